package remotelist

import (
	"os"

	"github.com/driftline/vpncore/pkg/config"
	"gopkg.in/yaml.v3"
)

// yamlRemote mirrors Remote with yaml tags, kept separate from Remote so the
// in-memory type stays free of serialization concerns.
type yamlRemote struct {
	Host  string `yaml:"host"`
	Port  string `yaml:"port"`
	Proto string `yaml:"proto"`
}

// SaveSnapshot writes the current candidate order to path as YAML, so a host
// that restarts mid-session can resume trying remotes in the same order
// instead of starting over from the config file.
func (l *List) SaveSnapshot(path string) error {
	snap := l.Snapshot()
	out := make([]yamlRemote, len(snap))
	for i, r := range snap {
		out[i] = yamlRemote{Host: r.Host, Port: r.Port, Proto: string(r.Proto)}
	}
	b, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadSnapshot replaces the list's candidates with the ones stored at path.
func (l *List) LoadSnapshot(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var in []yamlRemote
	if err := yaml.Unmarshal(b, &in); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remotes = make([]Remote, len(in))
	for i, r := range in {
		l.remotes[i] = Remote{Host: r.Host, Port: r.Port, Proto: config.Proto(r.Proto)}
	}
	l.cursor = 0
	l.exhaustedAll = false
	return nil
}
