package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node. Only the first call has any effect.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New returns a time-ordered id used to correlate the log lines of one
// invoice delivery. Falls back to node 0 when Init was never called.
func New() int64 {
	_ = Init(0)
	return node.Generate().Int64()
}
