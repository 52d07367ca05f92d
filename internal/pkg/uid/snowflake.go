package uid

import (
	"fmt"
	"hash/fnv"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// processNode is shared by every Snowflake of the process. Separate nodes
// with one node number would hand out equal ids within a millisecond.
var processNode = sync.OnceValues(func() (*snowflake.Node, error) {
	h := fnv.New32a()
	host, _ := os.Hostname()
	_, _ = fmt.Fprintf(h, "%s/%d", host, os.Getpid())
	return snowflake.NewNode(int64(h.Sum32() % 1024))
})

// Snowflake generates time ordered 63-bit ids.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake returns a generator on the process node, numbered from the
// hostname and pid.
func NewSnowflake() (*Snowflake, error) {
	node, err := processNode()
	if err != nil {
		return nil, err
	}
	return &Snowflake{node: node}, nil
}

// Generate returns a new id.
func (s *Snowflake) Generate() int64 {
	return s.node.Generate().Int64()
}

// GenerateString returns a new id in base36.
func (s *Snowflake) GenerateString() string {
	return s.node.Generate().Base36()
}
