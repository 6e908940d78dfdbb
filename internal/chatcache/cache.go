// ABOUTME: Per-session in-memory mirror of conversation state.
// ABOUTME: Loaded from a JSON blob at session creation and flushed at shutdown/backup.

package chatcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Chat is one conversation record, keyed by the remote identifier.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
	Timestamp   int64  `json:"conversation_timestamp,omitempty"`
}

// Cache mirrors a session's chat list. It is not authoritative: if the
// backing file is lost the list is rebuilt from the network over time.
type Cache struct {
	mu    sync.RWMutex
	path  string
	chats map[string]Chat

	// fileMu serializes writers of the backing file; the shutdown flush
	// and the periodic flush can otherwise interleave on the same path.
	fileMu sync.Mutex
}

// New returns an empty cache backed by the given file path.
func New(path string) *Cache {
	return &Cache{
		path:  path,
		chats: make(map[string]Chat),
	}
}

// Path returns the backing file path.
func (c *Cache) Path() string {
	return c.path
}

// Load replaces the in-memory state with the backing file's contents.
// A missing file leaves the cache empty and is not an error.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading chat cache: %w", err)
	}

	var chats []Chat
	if err := json.Unmarshal(data, &chats); err != nil {
		return fmt.Errorf("parsing chat cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = make(map[string]Chat, len(chats))
	for _, chat := range chats {
		if chat.ID != "" {
			c.chats[chat.ID] = chat
		}
	}
	return nil
}

// Flush writes the current state to the backing file. The file is
// replaced atomically so concurrent flushes never leave a torn blob.
func (c *Cache) Flush() error {
	data, err := json.Marshal(c.snapshot(""))
	if err != nil {
		return fmt.Errorf("encoding chat cache: %w", err)
	}

	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp chat cache: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing chat cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp chat cache: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing chat cache: %w", err)
	}
	return nil
}

// Observe records activity on a chat, creating the record if absent.
// Older timestamps never overwrite newer ones.
func (c *Cache) Observe(remoteID, name, lastMessage string, timestamp int64) {
	if remoteID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chat, ok := c.chats[remoteID]
	if ok && timestamp < chat.Timestamp {
		return
	}
	chat.ID = remoteID
	if name != "" {
		chat.Name = name
	}
	if lastMessage != "" {
		chat.LastMessage = lastMessage
	}
	chat.Timestamp = timestamp
	c.chats[remoteID] = chat
}

// Chats returns records whose id carries the given domain suffix, newest
// first. An empty suffix returns everything.
func (c *Cache) Chats(suffix string) []Chat {
	return c.snapshot(suffix)
}

// Len returns the number of cached chats.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chats)
}

func (c *Cache) snapshot(suffix string) []Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chats := make([]Chat, 0, len(c.chats))
	for _, chat := range c.chats {
		if suffix == "" || strings.HasSuffix(chat.ID, suffix) {
			chats = append(chats, chat)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].Timestamp != chats[j].Timestamp {
			return chats[i].Timestamp > chats[j].Timestamp
		}
		return chats[i].ID < chats[j].ID
	})
	return chats
}

// Remove drops the backing file. Used when a session is deleted.
func (c *Cache) Remove() error {
	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing chat cache: %w", err)
	}
	return nil
}
