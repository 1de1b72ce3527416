package clientconnect

import (
	"gopkg.in/yaml.v3"

	"github.com/driftline/vpncore/internal/remotelist"
	"github.com/driftline/vpncore/internal/transport/dco"
	"github.com/driftline/vpncore/pkg/config"
)

// EvalConfig is the connection-free summary of a profile, answering the
// questions an embedder needs before it decides whether to prompt for
// credentials or dial anything.
type EvalConfig struct {
	Autologin       bool                `yaml:"autologin"`
	ExternalPKI     bool                `yaml:"external_pki"`
	StaticChallenge bool                `yaml:"static_challenge"`
	FirstRemote     remotelist.Remote   `yaml:"first_remote"`
	Remotes         []remotelist.Remote `yaml:"remotes"`
	DCOCompatible   bool                `yaml:"dco_compatible"`
}

// String renders the summary as YAML, matching the rest of this package's
// use of yaml.v3 for anything meant to be read by a human or round-tripped
// between processes.
func (e EvalConfig) String() string {
	b, err := yaml.Marshal(e)
	if err != nil {
		return ""
	}
	return string(b)
}

// Eval parses a raw .ovpn profile and reports the static facts an embedder
// needs before attempting to connect, without dialing anything.
func Eval(profile []byte) (EvalConfig, error) {
	opts, err := config.ReadConfigFromBytes(profile)
	if err != nil {
		return EvalConfig{}, err
	}
	return EvalConfigFromOptions(opts), nil
}

// EvalConfigFromOptions builds an EvalConfig from already-parsed options,
// for callers that built a config.Config programmatically.
func EvalConfigFromOptions(opts *config.OpenVPNOptions) EvalConfig {
	list := remotelist.New(opts)
	remotes := list.Snapshot()

	var first remotelist.Remote
	if len(remotes) > 0 {
		first = remotes[0]
	}

	return EvalConfig{
		Autologin:       !opts.AuthUserPass && !opts.StaticChallenge,
		ExternalPKI:     opts.ExternalPKI,
		StaticChallenge: opts.StaticChallenge,
		FirstRemote:     first,
		Remotes:         remotes,
		DCOCompatible:   dco.Probe() && !opts.Proto.IsTCP(),
	}
}
