// Package blob stores certificate containers and event XML documents.
package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("blob not found")

// Store is an object store addressed by opaque keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// URL returns a time-limited retrieval URL for key.
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

const (
	ContentTypePKCS12 = "application/x-pkcs12"
	ContentTypeXML    = "application/xml"
)

// XML document kinds kept per event.
const (
	KindRaw       = "raw"
	KindSigned    = "signed"
	KindProcessed = "processed"
)

// CertificateKey is where a certificate container lives.
func CertificateKey(employerID, certID string) string {
	return fmt.Sprintf("certificates/%s/%s.pfx", employerID, certID)
}

// EventXMLKey is where one XML rendition of an event lives.
func EventXMLKey(employerID, eventID, kind string) string {
	return fmt.Sprintf("events/%s/%s/%s.xml", employerID, eventID, kind)
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) URL(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("memory://%s?ttl=%s", key, ttl), nil
}
