package firestore_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	firestorestore "github.com/PabloGalante/threadchat/internal/adapters/storage/firestore"
	"github.com/PabloGalante/threadchat/internal/adapters/storage/storetest"
	"github.com/PabloGalante/threadchat/internal/domain"
)

// The contract only runs against the Firestore emulator. Each store gets its
// own project id so tests never share data.
func TestStoreContract(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	storetest.Run(t, func(t *testing.T) domain.Store {
		s, err := firestorestore.NewStore(context.Background(), "threadchat-test-"+uuid.NewString()[:8])
		require.NoError(t, err)
		return s
	})
}
