package tor

import (
	"bytes"
	"text/template"
)

// torrcTemplate renders the Tor configuration file emitted before every
// start, grounded on the flat declarative shape of nomad-driver-systemd-nspawn's
// unit-file template (systemd/template.go): a fixed template executed
// once per render, no control-flow beyond straight substitution.
var torrcTemplate = template.Must(template.New("torrc").Parse(`
SocksPort {{.BindAddr}}:{{.SocksPort}}
SocksPolicy accept {{.SubnetCIDR}}
SocksPolicy reject *
DNSPort {{.BindAddr}}:{{.DNSPort}}
TransPort {{.BindAddr}}:{{.TransPort}}
ControlPort {{.BindAddr}}:{{.ControlPort}}
CookieAuthentication 1
DataDirectory {{.DataDir}}
User {{.User}}
AvoidDiskWrites 1
SafeLogging 1
DisableDebuggerAttachment 1
ClientRejectInternalAddresses 1
WarnUnsafeSocks 1
MaxMemInQueues {{.MaxMemMB}} MB
NewCircuitPeriod {{.NewCircuitPeriodSec}}
MaxCircuitDirtiness {{.MaxCircuitDirtinessSec}}
`[1:]))

// torrcParams is the data driving torrcTemplate, kept separate from
// config.* so the template's field names stay stable independent of
// constant renames elsewhere.
type torrcParams struct {
	BindAddr               string
	SocksPort              int
	DNSPort                int
	TransPort              int
	ControlPort            int
	SubnetCIDR             string
	DataDir                string
	User                   string
	MaxMemMB               int
	NewCircuitPeriodSec    int
	MaxCircuitDirtinessSec int
}

func renderTorrc(p torrcParams) (string, error) {
	var buf bytes.Buffer
	if err := torrcTemplate.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// proxychainsTemplate renders the proxychains-style helper file: a single
// SOCKS5 upstream, strict chaining, DNS resolved through the proxy.
var proxychainsTemplate = template.Must(template.New("proxychains").Parse(`
strict_chain
proxy_dns
[ProxyList]
socks5 {{.BindAddr}} {{.SocksPort}}
`[1:]))

type proxychainsParams struct {
	BindAddr  string
	SocksPort int
}

func renderProxychains(p proxychainsParams) (string, error) {
	var buf bytes.Buffer
	if err := proxychainsTemplate.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}
