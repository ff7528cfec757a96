package session

import (
	"testing"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/db/dbtest"
)

func TestPostgresStore_Contract(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		return NewPostgresStore(dbtest.Pool(t))
	})
}
