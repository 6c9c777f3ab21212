package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"

	"github.com/loykin/archivebridge"
	"github.com/loykin/archivebridge/pkg/client"
)

// newAPIClient resolves the daemon URL from --api-url, then from the API section
// of --config, then the client default.
func newAPIClient(flags *GlobalFlags) (*client.Client, error) {
	cc := client.DefaultConfig()
	cc.Timeout = flags.APITimeout
	cc.Insecure = flags.Insecure
	if flags.CACert != "" {
		cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: flags.CACert}
	}
	switch {
	case flags.APIUrl != "":
		cc.BaseURL = flags.APIUrl
	case flags.ConfigPath != "":
		cfg, err := archivebridge.LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		scheme := "http"
		if t := cfg.API.TLS; t.Enabled {
			scheme = "https"
			// trust the generated certificate when no CA was given
			if cc.TLS == nil && t.Dir != "" && t.CertFile == "" {
				cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: filepath.Join(t.Dir, "tls_ca.crt")}
			}
		}
		cc.BaseURL = baseURLFor(scheme, cfg.API.Listen, cfg.API.BasePath)
	}
	return client.New(cc), nil
}

// baseURLFor turns a listen address into a dialable URL; a wildcard host means
// the local machine.
func baseURLFor(scheme, listen, basePath string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return scheme + "://" + listen + basePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + "/" + strings.Trim(basePath, "/")
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
