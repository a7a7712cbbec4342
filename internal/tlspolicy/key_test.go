package tlspolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionKey(t *testing.T) {
	a := newCA(t, "a").cert
	b := newCA(t, "b").cert
	pa, err := NewCertificateAuthorityPolicy(a)
	require.NoError(t, err)
	paAgain, err := NewCertificateAuthorityPolicy(a)
	require.NoError(t, err)
	pb, err := NewCertificateAuthorityPolicy(b)
	require.NoError(t, err)
	pinned, err := PinCertificates(a)
	require.NoError(t, err)

	key := func(u string, p Policy) ConnectionKey {
		k, err := NewConnectionKey(u, p)
		require.NoError(t, err)
		return k
	}

	t.Run("default https port", func(t *testing.T) {
		k := key("https://Host1.example.com/v2/host", pa)
		assert.Equal(t, 443, k.Port)
		assert.Equal(t, "host1.example.com", k.Host)
		assert.Equal(t, key("https://host1.example.com:443/", pa), k)
	})

	t.Run("equivalent policies compare equal", func(t *testing.T) {
		assert.Equal(t, key("https://h:9443", pa), key("https://h:9443", paAgain))
	})

	t.Run("different inventory differs", func(t *testing.T) {
		assert.NotEqual(t, key("https://h:9443", pa), key("https://h:9443", pb))
	})

	t.Run("different policy type differs", func(t *testing.T) {
		assert.NotEqual(t, key("https://h:9443", pa), key("https://h:9443", pinned))
	})

	t.Run("different port differs", func(t *testing.T) {
		assert.NotEqual(t, key("https://h:9443", pa), key("https://h:9444", pa))
	})

	t.Run("unknown scheme without port", func(t *testing.T) {
		assert.Equal(t, 0, key("tpm://h", pa).Port)
	})

	_, err = NewConnectionKey("https://h", nil)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestDispatcherKey(t *testing.T) {
	d, _ := newDispatcher(t)
	a := newCA(t, "a").cert
	b := newCA(t, "b").cert
	pa, err := NewCertificateAuthorityPolicy(a)
	require.NoError(t, err)
	pb, err := NewCertificateAuthorityPolicy(b)
	require.NoError(t, err)

	_, err = d.Key("https://agent.example")
	assert.True(t, IsPolicyNotRegistered(err))

	require.NoError(t, d.Registry().Register("agent.example", pa))
	first, err := d.Key("https://agent.example")
	require.NoError(t, err)
	assert.Equal(t, ConnectionKey{
		Protocol:      "https",
		Host:          "agent.example",
		Port:          443,
		PolicyType:    pa.Type(),
		InventoryHash: pa.Inventory().Hash(),
	}, first)

	require.NoError(t, d.Registry().Register("agent.example", pb))
	second, err := d.Key("https://agent.example")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRegistryAddressesIgnoreCase(t *testing.T) {
	d, _ := newDispatcher(t)
	p, err := NewCertificateAuthorityPolicy(newCA(t, "a").cert)
	require.NoError(t, err)

	require.NoError(t, d.Registry().Register("Agent.Example", p))
	assert.Equal(t, []string{"agent.example"}, d.Registry().Addresses())

	_, ok := d.Registry().Lookup("agent.example")
	assert.True(t, ok)
	_, err = d.Key("https://AGENT.example:9443")
	require.NoError(t, err)

	d.Registry().Unregister("AGENT.EXAMPLE")
	_, ok = d.Registry().Lookup("Agent.Example")
	assert.False(t, ok)
}
