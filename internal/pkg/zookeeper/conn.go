// internal/pkg/zookeeper/conn.go
package zookeeper

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// Conn 是 zk.Conn 的薄封装，集中管理会话创建。
type Conn struct {
	*zk.Conn
}

// Connect 建立一个 ZooKeeper 会话。
func Connect(servers []string) (*Conn, error) {
	conn, _, err := zk.Connect(servers, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper %v: %w", servers, err)
	}
	return &Conn{Conn: conn}, nil
}

// EnsurePath 确保一个持久节点存在（父节点需已存在）。
func (c *Conn) EnsurePath(path string) error {
	exists, _, err := c.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to check node %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = c.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("failed to create node %s: %w", path, err)
	}
	return nil
}
