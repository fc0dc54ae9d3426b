package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bartossh/Fiduciary/logger"
)

const (
	levelDebug = "debug"
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
	levelFatal = "fatal"
)

// Helper helps with writing logs to io.Writers.
// Helper implements logger.Logger interface.
// Writing is done concurrently with out blocking the current thread,
// except for the fatal level that is written synchronously before callOnFatal is invoked.
type Helper struct {
	callOnErr   func(error)
	callOnFatal func(error)
	service     string
	writers     []io.Writer
}

// New creates new Helper.
func New(service string, callOnErr, callOnFatal func(error), writers ...io.Writer) Helper {
	return Helper{callOnErr: callOnErr, callOnFatal: callOnFatal, service: service, writers: writers}
}

// Debug writes debug log.
func (h Helper) Debug(msg string) {
	go h.write(h.entry(levelDebug, msg))
}

// Info writes info log.
func (h Helper) Info(msg string) {
	go h.write(h.entry(levelInfo, msg))
}

// Warn writes warning log.
func (h Helper) Warn(msg string) {
	go h.write(h.entry(levelWarn, msg))
}

// Error writes error log.
func (h Helper) Error(msg string) {
	go h.write(h.entry(levelError, msg))
}

// Fatal writes fatal log and calls the fatal callback.
func (h Helper) Fatal(msg string) {
	h.write(h.entry(levelFatal, msg))
	if h.callOnFatal != nil {
		h.callOnFatal(fmt.Errorf("%s: %s", h.service, msg))
	}
}

func (h Helper) entry(level, msg string) *logger.Log {
	return &logger.Log{
		ID:        primitive.NewObjectID(),
		CreatedAt: time.Now(),
		Level:     level,
		Service:   h.service,
		Msg:       msg,
	}
}

func (h Helper) write(l *logger.Log) {
	raw, err := json.Marshal(l)
	if err != nil {
		h.onErr(err)
		return
	}
	for _, w := range h.writers {
		if _, err := w.Write(raw); err != nil {
			h.onErr(err)
		}
	}
}

func (h Helper) onErr(err error) {
	if h.callOnErr != nil {
		h.callOnErr(err)
	}
}
