package memstore

import (
	"testing"

	"github.com/cloudQuant/TradingAgents-CN-sub005/storage"
	"github.com/cloudQuant/TradingAgents-CN-sub005/storage/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.Run(t, func() storage.Store { return New() })
}
