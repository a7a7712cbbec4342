package baseline

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/enterprise/attestation-trust-engine/internal/measurement"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(baselines []*ReferenceBaseline) []string {
	out := make([]string, len(baselines))
	for i, b := range baselines {
		out[i] = b.Name
	}
	return out
}

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sqlStore, err := OpenSQLStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, "test"),
		"sqlite": sqlStore,
	}
}

func TestStores(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			invalid := biosBaseline("broken", "x")
			invalid.RequiredRegisters = nil
			assert.ErrorIs(t, store.PutBaseline(ctx, invalid), ErrInvalidBaseline)

			mustPut(t, store,
				biosBaseline("Firmware_v1_003", "a"),
				biosBaseline("FirmwareXv1_009", "b"),
				biosBaseline("Firmware_v1_004", "c"),
				vmmBaseline("Hypervisor_001", "d"),
			)

			candidates, err := store.FindCandidates(ctx, testHost("h").Query(LayerBIOS))
			require.NoError(t, err)
			assert.Equal(t, []string{"Firmware_v1_003", "FirmwareXv1_009", "Firmware_v1_004"}, names(candidates))

			other := testHost("h")
			other.BIOSOEM = "globex"
			candidates, err = store.FindCandidates(ctx, other.Query(LayerBIOS))
			require.NoError(t, err)
			assert.Empty(t, candidates)

			byPrefix, err := store.FindByNamePrefix(ctx, LayerBIOS, "Firmware_v1")
			require.NoError(t, err)
			assert.Equal(t, []string{"Firmware_v1_003", "Firmware_v1_004"}, names(byPrefix))

			byPrefix, err = store.FindByNamePrefix(ctx, LayerVMM, "Firmware")
			require.NoError(t, err)
			assert.Empty(t, byPrefix)

			// Rewriting a baseline by natural key keeps its ID and position.
			updated := biosBaseline("Firmware_v1_003", "a2")
			require.NoError(t, store.PutBaseline(ctx, updated))
			candidates, err = store.FindCandidates(ctx, testHost("h").Query(LayerBIOS))
			require.NoError(t, err)
			require.Len(t, candidates, 3)
			assert.Equal(t, "Firmware_v1_003", candidates[0].Name)
			assert.Equal(t, digestOf("a2").Hex(), candidates[0].Registers[0].Value)
			assert.Equal(t, updated.ID, candidates[0].ID)

			_, err = store.GetAssignedBaseline(ctx, "h", LayerBIOS)
			assert.ErrorIs(t, err, ErrBaselineNotFound)

			require.NoError(t, store.SetAssignedBaseline(ctx, "h", LayerBIOS, candidates[2]))
			assigned, err := store.GetAssignedBaseline(ctx, "h", LayerBIOS)
			require.NoError(t, err)
			assert.Equal(t, "Firmware_v1_004", assigned.Name)
			assert.Equal(t, []measurement.PcrIndex{0}, assigned.RequiredRegisters)

			require.NoError(t, store.SetAssignedBaseline(ctx, "h", LayerBIOS, nil))
			_, err = store.GetAssignedBaseline(ctx, "h", LayerBIOS)
			assert.ErrorIs(t, err, ErrBaselineNotFound)

			_, err = store.GetHost(ctx, "h")
			assert.ErrorIs(t, err, ErrHostNotFound)

			host := testHost("h")
			host.HostSpecificModules = map[string]measurement.Digest{"initrd": digestOf("initrd")}
			require.NoError(t, store.SaveHost(ctx, host))
			loaded, err := store.GetHost(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, host.BIOSVersion, loaded.BIOSVersion)
			assert.Equal(t, digestOf("initrd"), loaded.HostSpecificModules["initrd"])
		})
	}
}

func TestHostAssetTagSurvivesStorage(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cert := selfSigned(t, "tag")

			host := testHost("tagged")
			host.AssetTag = &AssetTag{Certificate: cert, PCREvent: digestOf("tag")}
			require.NoError(t, store.SaveHost(ctx, host))

			loaded, err := store.GetHost(ctx, "tagged")
			require.NoError(t, err)
			require.NotNil(t, loaded.AssetTag)
			assert.True(t, cert.Equal(loaded.AssetTag.Certificate))
			assert.Equal(t, digestOf("tag"), loaded.AssetTag.PCREvent)
		})
	}
}
