package bps

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

func TestParseAddrs(t *testing.T) {
	tests := []struct {
		name string
		url  string
		port string
		want []string
	}{
		{name: "SingleHost", url: "kafka://broker/", port: "9092", want: []string{"broker:9092"}},
		{name: "MultiHost", url: "fake://host1,host2:1234/?retries=4", port: "7000", want: []string{"host1:7000", "host2:1234"}},
		{name: "AllPorts", url: "nats://a:1,b:2", port: "4222", want: []string{"a:1", "b:2"}},
		{name: "NoDefault", url: "nats://a,b", port: "", want: []string{"a", "b"}},
		{name: "IPv6", url: "nats://[::1]", port: "4222", want: []string{"[::1]:4222"}},
		{name: "EmptyAuthority", url: "mem:///", port: "1", want: nil},
		{name: "SkipsEmpty", url: "kafka://a,,b", port: "9092", want: []string{"a:9092", "b:9092"}},
		{name: "EscapedList", url: "kafka://10.0.0.1%3A9093%2C10.0.0.2/", port: "9092", want: []string{"10.0.0.1:9093", "10.0.0.2:9092"}},
		{name: "EscapedComma", url: "kafka://10.0.0.1%2C10.0.0.2/", port: "9092", want: []string{"10.0.0.1:9092", "10.0.0.2:9092"}},
		{name: "DoubleEscapedCommaKeepsOneHost", url: "kafka://a%252Cb/", port: "9092", want: []string{"a%2Cb:9092"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			// Arrange
			u, err := ParseURL(tt.url)
			require.NoError(t, err)

			// Act
			got := ParseAddrs(u, tt.port)

			// Assert
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseURL(t *testing.T) {

	t.Run("EscapedHostKeepsRest", func(t *testing.T) {

		// Act
		u, err := ParseURL("kafka+sync://alice:p%40ss@b1%3A9093%2Cb2/topic?acks=all#frag")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "kafka+sync", u.Scheme)
		assert.Equal(t, "b1:9093,b2", u.Host)
		assert.Equal(t, "alice", u.User.Username())
		pass, _ := u.User.Password()
		assert.Equal(t, "p@ss", pass)
		assert.Equal(t, "/topic", u.Path)
		assert.Equal(t, "all", u.Query().Get("acks"))
		assert.Equal(t, "frag", u.Fragment)
	})

	t.Run("PlainHostMatchesStdlib", func(t *testing.T) {

		// Arrange
		raw := "nats://u:p@n1,n2:4223?servers[]=nats://n3:4222"
		want, err := url.Parse(raw)
		require.NoError(t, err)

		// Act
		got, err := ParseURL(raw)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("NoAuthority", func(t *testing.T) {

		// Act
		u, err := ParseURL("file:///var/lib/bps")

		// Assert
		require.NoError(t, err)
		assert.Empty(t, u.Host)
		assert.Equal(t, "/var/lib/bps", u.Path)
	})

	t.Run("BadHostEscape", func(t *testing.T) {

		// Act
		_, err := ParseURL("kafka://a%zz/")

		// Assert
		assert.Error(t, err)
	})
}

func TestParseQuery(t *testing.T) {

	t.Run("SingleAndRepeated", func(t *testing.T) {

		// Arrange
		values := url.Values{"a": {"1"}, "b": {"x", "y"}}

		// Act
		got := ParseQuery(values)

		// Assert
		assert.Equal(t, coerce.RawOptions{"a": "1", "b": []string{"x", "y"}}, got)
	})

	t.Run("ExplicitList", func(t *testing.T) {

		// Act
		got := ParseQuery(url.Values{"servers[]": {"a"}})

		// Assert
		assert.Equal(t, coerce.RawOptions{"servers": []string{"a"}}, got)
	})

	t.Run("Nested", func(t *testing.T) {

		// Act
		got := ParseQuery(url.Values{
			"sasl[user]":      {"bob"},
			"sasl[mechanism]": {"plain"},
			"tls[ca][file]":   {"/ca.pem"},
		})

		// Assert
		assert.Equal(t, coerce.RawOptions{
			"sasl": coerce.RawOptions{"user": "bob", "mechanism": "plain"},
			"tls":  coerce.RawOptions{"ca": coerce.RawOptions{"file": "/ca.pem"}},
		}, got)
	})

	t.Run("NestedWinsOverPlain", func(t *testing.T) {
		for range 20 {

			// Act
			got := ParseQuery(url.Values{"sasl": {"x"}, "sasl[user]": {"bob"}})

			// Assert
			assert.Equal(t, coerce.RawOptions{"sasl": coerce.RawOptions{"user": "bob"}}, got)
		}
	})

	t.Run("MalformedBracketsKeptVerbatim", func(t *testing.T) {

		// Act
		got := ParseQuery(url.Values{"[x]": {"1"}, "a[b": {"2"}, "a[]b]": {"3"}})

		// Assert
		assert.Equal(t, coerce.RawOptions{"[x]": "1", "a[b": "2", "a[]b]": "3"}, got)
	})

	t.Run("CoercesThroughSchema", func(t *testing.T) {

		// Arrange
		u, err := url.Parse("fake://h/?retries=4&retries=5&labels=a&sasl[user]=bob")
		require.NoError(t, err)
		c := coerce.MustNew(coerce.Schema{
			"retries": coerce.Int(),
			"labels":  coerce.ListOf(coerce.String()),
			"sasl":    coerce.Nested(coerce.Schema{"user": coerce.String()}),
		})

		// Act
		got := c.Coerce(ParseQuery(u.Query()))

		// Assert
		retries, _ := got.Int("retries")
		assert.EqualValues(t, 4, retries)
		labels, _ := got.Strings("labels")
		assert.Equal(t, []string{"a"}, labels)
		sasl, ok := got.Nested("sasl")
		require.True(t, ok)
		user, _ := sasl.String("user")
		assert.Equal(t, "bob", user)
	})
}

func TestPathName(t *testing.T) {
	u, err := url.Parse("jetstream://host/orders/")
	require.NoError(t, err)
	assert.Equal(t, "orders", PathName(u))
	assert.Empty(t, PathName(nil))
}
