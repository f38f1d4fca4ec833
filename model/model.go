package model

import (
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Models lists every table owned by the service, in migration order.
var Models = []interface{}{
	&User{}, &ProviderMapping{}, &ConfigEntry{}, &Session{}, &RefreshToken{},
	&MFAState{}, &BackupCode{}, &LocalCredential{}, &AuditEvent{},
}

var idNode atomic.Pointer[snowflake.Node]

// SetNodeID selects the snowflake node for new user ids. Instances sharing a
// database must use distinct node ids.
func SetNodeID(nodeID int64) error {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	idNode.Store(node)
	return nil
}

func GenerateID() uint {
	node := idNode.Load()
	if node == nil {
		defaultNode, _ := snowflake.NewNode(0)
		idNode.CompareAndSwap(nil, defaultNode)
		node = idNode.Load()
	}
	return uint(node.Generate())
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models...)
}
