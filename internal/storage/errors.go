package storage

import (
	"database/sql"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// errors
var (
	ErrAlreadyExists      = errors.New("object already exists")
	ErrDoesNotExist       = errors.New("object does not exist")
	ErrUnknownDeviceType  = errors.New("unknown device-type")
	ErrInvalidApplication = errors.New("invalid application id")
)

func handlePSQLError(err error, description string) error {
	if err == sql.ErrNoRows {
		return ErrDoesNotExist
	}

	switch err := err.(type) {
	case *pq.Error:
		switch err.Code.Name() {
		case "unique_violation":
			return ErrAlreadyExists
		case "foreign_key_violation":
			return ErrUnknownDeviceType
		case "check_violation":
			return ErrInvalidApplication
		}
	}

	return errors.Wrap(err, description)
}

func handleRedisError(err error, description string) error {
	if err == redis.Nil {
		return ErrDoesNotExist
	}

	return errors.Wrap(err, description)
}
