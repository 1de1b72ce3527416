package clientconnect

import "github.com/driftline/vpncore/internal/model"

func newEvent(id model.EventID, text string) model.Event {
	return model.Event{ID: id, Name: id.String(), HumanText: text}
}

func fatalEvent(id model.EventID, text string) model.Event {
	return model.Event{ID: id, Name: id.String(), HumanText: text, IsError: true, IsFatal: true}
}
