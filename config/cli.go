package config

import (
	"flag"
	"fmt"
	"net"
	"net/url"
)

type Cli struct {
	HTTPAddress         string
	HTTPInternalAddress string
	MetricsAddress      string
	APIToken            string
	OwnInternalURL      *url.URL
	WorkerURL           *url.URL
	WorkDir             string

	ObjectStoreBucket   string
	ObjectStoreRegion   string
	ObjectStoreEndpoint string

	JobDBConnectionString string

	TargetOutputSecs float64
}

func parseURL(s string, dest **url.URL) error {
	if s == "" {
		*dest = nil
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}

func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return err
		}
		if port == "" {
			return fmt.Errorf("missing port in address %s", s)
		}
		*dest = net.JoinHostPort(host, port)
		return nil
	})
}
