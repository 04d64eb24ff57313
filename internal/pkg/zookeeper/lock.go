// internal/pkg/zookeeper/lock.go
package zookeeper

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const lockRoot = "/hanghae/locks" // 所有分布式锁的根节点

// DistributedLock 是基于临时顺序节点的分布式锁。
// 用于选举唯一的后台任务执行者（库存过期清扫、outbox relay），
// 保证同一时刻集群内只有一个实例在跑。
type DistributedLock struct {
	conn     *Conn
	path     string // 锁的路径，例如 /hanghae/locks/inventory-sweep
	lockNode string // 成功获取锁后，自己创建的节点路径
	waitMax  time.Duration
}

// NewDistributedLock 创建一个新的分布式锁实例。
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	// 逐级确保锁路径存在
	if err := conn.EnsurePath("/hanghae"); err != nil {
		return nil, err
	}
	if err := conn.EnsurePath(lockRoot); err != nil {
		return nil, err
	}
	lockPath := lockRoot + "/" + resourceID
	if err := conn.EnsurePath(lockPath); err != nil {
		return nil, err
	}

	return &DistributedLock{
		conn:    conn,
		path:    lockPath,
		waitMax: 30 * time.Second,
	}, nil
}

// Lock 尝试获取锁，获取不到则阻塞等待（监听前一个节点）。
func (l *DistributedLock) Lock() error {
	// 1. 创建临时顺序节点 /hanghae/locks/<resource>/lock-
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath

	for {
		// 2. 取出全部竞争者并排序
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sort.Strings(children)

		// 3. 自己是最小节点则获锁成功
		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		if myNodeName == children[0] {
			return nil
		}

		// 4. 否则只监听自己的前一个节点，避免惊群
		prevNodeIndex := -1
		for i, child := range children {
			if child == myNodeName {
				prevNodeIndex = i - 1
				break
			}
		}
		if prevNodeIndex < 0 {
			return errors.New("cannot find previous node, something is wrong")
		}
		prevNodePath := l.path + "/" + children[prevNodeIndex]

		_, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			if err == zk.ErrNoNode {
				// 前一个节点在监听前刚好释放，重新竞争
				continue
			}
			return fmt.Errorf("failed to watch previous node: %w", err)
		}

		select {
		case event := <-eventChan:
			if event.Type == zk.EventNodeDeleted {
				continue
			}
		case <-time.After(l.waitMax):
			return errors.New("timeout waiting for lock")
		}
	}
}

// Unlock 释放锁。
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}
