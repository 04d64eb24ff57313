// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client 在 go-redis 之上增加了一个命名 Lua 脚本注册表。
// 业务方在初始化时用 LoadScriptFromContent 注册脚本，之后通过名字执行，
// go-redis 的 Script 会优先走 EVALSHA，脚本未加载时自动退回 EVAL。
type Client struct {
	rdb *redis.Client

	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

// NewClient 创建一个新的 Client。
func NewClient(addr string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &Client{
		rdb:     rdb,
		scripts: make(map[string]*redis.Script),
	}
}

// GetClient 返回底层的 go-redis 客户端，供需要原生 API 的场景使用。
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// LoadScriptFromContent 注册一个命名 Lua 脚本。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if content == "" {
		return fmt.Errorf("script %q has empty content", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = redis.NewScript(content)
	return nil
}

// RunScript 按名字执行已注册的脚本。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not registered", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// Ping 检查连接可用性。
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭底层连接。
func (c *Client) Close() error {
	return c.rdb.Close()
}
