package repomongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bartossh/Fiduciary/logger"
)

// Write writes log to the database.
// p is a marshaled logger.Log.
func (db DataBase) Write(p []byte) (n int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	var l logger.Log
	if err := json.Unmarshal(p, &l); err != nil {
		return 0, errors.Join(ErrDecodeFailed, err)
	}
	if s, ok := l.ID.(string); ok {
		if id, err := primitive.ObjectIDFromHex(s); err == nil {
			l.ID = id
		}
	}
	if _, err := db.inner.Collection(logsCollection).InsertOne(ctx, l); err != nil {
		return 0, errors.Join(ErrInsertFailed, err)
	}
	return len(p), nil
}
