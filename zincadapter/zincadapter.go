package zincadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bartossh/Fiduciary/httpclient"
	"github.com/bartossh/Fiduciary/logger"
)

const (
	healthz        = "/healthz"
	createDocument = "/api/%s/_doc"
)

const timeout = time.Second * 5

var (
	ErrZincServerNotResponding = errors.New("zinc server not responding on given address")
	ErrZincServerWriteFailed   = errors.New("zinc server write failed")
	ErrMalformedLog            = errors.New("log entry is not a valid json log")
)

// Config contains configuration of the zincsearch log back-end.
type Config struct {
	Address string `yaml:"address"` // Zincsearch server address, log shipping is off when empty.
	Index   string `yaml:"index"`   // Unique index per service to easy search for logs by the service.
	Token   string `yaml:"token"`   // Authorization header value, for example Basic base64(user:password).
}

type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Level     string    `json:"level"`
	Service   string    `json:"service"`
	Msg       string    `json:"msg"`
}

// ZincClient ships logs written by the logging helper to the zincsearch back-end.
type ZincClient struct {
	address string
	index   string
	headers []httpclient.Header
}

// New creates a new ZincClient and checks the server responds.
func New(cfg Config) (ZincClient, error) {
	var headers []httpclient.Header
	if cfg.Token != "" {
		headers = append(headers, httpclient.Header{Key: "Authorization", Value: cfg.Token})
	}
	if err := httpclient.MakeGet(timeout, cfg.Address+healthz, nil, headers...); err != nil {
		return ZincClient{}, errors.Join(ErrZincServerNotResponding, err)
	}
	return ZincClient{address: cfg.Address, index: cfg.Index, headers: headers}, nil
}

// Write satisfies io.Writer abstraction. It expects a single json encoded logger.Log.
func (z ZincClient) Write(p []byte) (int, error) {
	var l logger.Log
	if err := json.Unmarshal(p, &l); err != nil {
		return 0, errors.Join(ErrMalformedLog, err)
	}
	doc := document{Timestamp: l.CreatedAt, Level: l.Level, Service: l.Service, Msg: l.Msg}
	url := z.address + fmt.Sprintf(createDocument, z.index)
	if err := httpclient.MakePost(timeout, url, doc, nil, z.headers...); err != nil {
		return 0, errors.Join(ErrZincServerWriteFailed, err)
	}
	return len(p), nil
}
