package repository

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() store { return NewMemoryStore() }})
}
