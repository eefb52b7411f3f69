package kv

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/edgegate/edgegate/config"
)

// etcdPrefix namespaces all gateway keys in a shared etcd cluster.
const etcdPrefix = "/edgegate/"

// EtcdStore is a Store backed by etcd. Tuple keys are joined with "/"
// under the "/edgegate/" namespace; List maps to a prefix range read.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore creates an etcd-backed store from config.
func NewEtcdStore(cfg config.EtcdConfig) (*EtcdStore, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: client}, nil
}

// Get returns the value for key and whether it exists.
func (s *EtcdStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	resp, err := s.client.Get(ctx, etcdPrefix+key.String())
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Set stores a value for key.
func (s *EtcdStore) Set(ctx context.Context, key Key, value []byte) error {
	_, err := s.client.Put(ctx, etcdPrefix+key.String(), string(value))
	return err
}

// Delete removes key and reports whether it existed.
func (s *EtcdStore) Delete(ctx context.Context, key Key) (bool, error) {
	resp, err := s.client.Delete(ctx, etcdPrefix+key.String())
	if err != nil {
		return false, err
	}
	return resp.Deleted > 0, nil
}

// List returns all entries under prefix in key order.
func (s *EtcdStore) List(ctx context.Context, prefix Key) ([]Entry, error) {
	p := etcdPrefix + prefix.String() + "/"
	resp, err := s.client.Get(ctx, p, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		entries = append(entries, Entry{
			Key:   parseKey(strings.TrimPrefix(string(item.Key), etcdPrefix)),
			Value: item.Value,
		})
	}
	return entries, nil
}

// Close closes the underlying client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
