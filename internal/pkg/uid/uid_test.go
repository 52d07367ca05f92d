package uid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflake_Generate(t *testing.T) {

	t.Run("Increasing", func(t *testing.T) {

		// Arrange
		gen, err := NewSnowflake()
		require.NoError(t, err)

		// Act
		first := gen.Generate()
		second := gen.Generate()

		// Assert
		assert.Greater(t, second, first)
		assert.NotEmpty(t, gen.GenerateString())
	})

	t.Run("UniqueAcrossGenerators", func(t *testing.T) {

		// Arrange
		a, err := NewSnowflake()
		require.NoError(t, err)
		b, err := NewSnowflake()
		require.NoError(t, err)
		seen := map[int64]struct{}{}

		// Act
		for range 1000 {
			seen[a.Generate()] = struct{}{}
			seen[b.Generate()] = struct{}{}
		}

		// Assert
		assert.Len(t, seen, 2000)
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestUUID_Generate(t *testing.T) {

	t.Run("Version7", func(t *testing.T) {

		// Arrange
		var gen StringID = NewUUID()

		// Act
		first, second := gen.Generate(), gen.Generate()

		// Assert
		assert.Len(t, first, 36)
		assert.Equal(t, byte('7'), first[14])
		assert.NotEqual(t, first, second)
	})

	t.Run("FallbackOnReaderError", func(t *testing.T) {

		// Arrange
		gen := &UUID{rand: failingReader{}}

		// Act
		id := gen.Generate()

		// Assert
		assert.Len(t, id, 36)
		assert.Equal(t, byte('4'), id[14])
	})
}
