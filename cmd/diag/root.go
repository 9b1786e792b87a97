package main

import (
	"encoding/json"
	"io"

	"github.com/peterbourgon/diag/diaghttp"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	uri      string
	logLevel string
	output   string

	logger *zap.Logger
}

func (cfg *rootConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'u',
		LongName:    "uri",
		Value:       ffval.NewValueDefault(&cfg.uri, "localhost:8001/diag"),
		Usage:       "viewer API URI, e.g. 'localhost:8001/diag' or 'http+unix:///tmp/diag.sock:/diag'",
		Placeholder: "URI",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "none", "n"),
		Usage:       "log level: i/info, d/debug, n/none",
		Placeholder: "LEVEL",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'o',
		LongName:    "output",
		Value:       ffval.NewEnum(&cfg.output, "text", "ndjson", "prettyjson"),
		Usage:       "output format: text, ndjson, prettyjson",
		Placeholder: "FORMAT",
	})
}

func (cfg *rootConfig) client() *diaghttp.Client {
	return diaghttp.NewClient(nil, cfg.uri)
}

func (cfg *rootConfig) encode(v any) error {
	enc := json.NewEncoder(cfg.stdout)
	if cfg.output == "prettyjson" {
		enc.SetIndent("", "    ")
	}
	return enc.Encode(v)
}
