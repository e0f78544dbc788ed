package badger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stashd/stashd/internal/store/account"
	"github.com/stashd/stashd/internal/store/account/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, root string) account.Store {
		s, err := New(root, filepath.Join(t.TempDir(), "badger"))
		require.NoError(t, err)
		return s
	})
}
