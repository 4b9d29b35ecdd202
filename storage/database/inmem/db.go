// Package inmemdb implements the repositories in memory, for development and tests.
package inmemdb

import (
	"sync"
	"time"

	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/user"
)

type (
	// DB holds every table behind one lock, so that chat queries can join users.
	DB struct {
		mutex         sync.RWMutex
		users         map[string]*user.User
		conversations map[string]*conversationRow
		messages      map[string][]chat.Message // by conversation ID, ordered by CreatedAt
	}

	conversationRow struct {
		id             string
		typ            chat.ConversationType
		title          string
		directKey      string
		participantIDs []string
		lastReadAt     map[string]time.Time // by participant ID
		createdAt      time.Time
		updatedAt      time.Time
	}
)

func Open() *DB {
	db := new(DB)
	db.Reset()
	return db
}

// Reset drops all the data.
func (db *DB) Reset() {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	db.users = make(map[string]*user.User)
	db.conversations = make(map[string]*conversationRow)
	db.messages = make(map[string][]chat.Message)
}
