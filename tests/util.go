// Package testutil holds helpers shared by the tests of several packages.
package testutil

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/user"
	logsvc "github.com/masomo/campus/services/logger"
)

// NewValidator returns a validator with all the app validators registered.
func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	chat.InitValidators(validate, translator)
	return validate, translator
}

// NewLogger returns a silent logger.
func NewLogger() core.Logger {
	logger := logsvc.NewRollbarLogger(log.New(io.Discard, "", 0), core.NewTestConfig())
	logger.Enable(false)
	return logger
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	if roles == nil {
		roles = []string{}
	}
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

// PublishedEvent is an event recorded by a Publisher.
type PublishedEvent struct {
	Rooms []string
	Event string
	Data  interface{}
}

// Publisher records the published events.
type Publisher struct {
	Events chan PublishedEvent
}

var _ chat.Publisher = (*Publisher)(nil)

func NewPublisher() *Publisher {
	return &Publisher{Events: make(chan PublishedEvent, 100)}
}

func (p *Publisher) Publish(_ context.Context, rooms []string, event string, data interface{}) error {
	p.Events <- PublishedEvent{Rooms: rooms, Event: event, Data: data}
	return nil
}
