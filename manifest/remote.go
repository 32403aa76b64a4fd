package manifest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// remoteResolver caches DNS lookups for manifest/shard fetches against a
// remote registry, keeping repeated pulls from a single host off the
// hot generation path. Isolated here rather than shared with any
// per-request transport so it never competes with weight-shard fetch
// concurrency for sockets.
var remoteResolver = &dnscache.Resolver{
	Timeout:  5 * time.Second,
	Resolver: net.DefaultResolver,
}

func init() {
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			remoteResolver.RefreshWithOptions(dnscache.ResolverRefreshOptions{
				ClearUnused:      true,
				PersistOnFailure: false,
			})
		}
	}()
}

func dnsCacheDialContext(dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := remoteResolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// NewRemoteClient builds an http.Client whose dialer resolves through
// remoteResolver, for fetching manifests from a remote host. It does
// not check the host against envconfig.RemoteHosts.
func NewRemoteClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:           dnsCacheDialContext(dialer),
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// FetchGGUF retrieves a manifest from a remote URL and decodes it as
// GGUF. The caller supplies shardID since a remote manifest may span
// several shard files under the same base URL.
func FetchGGUF(ctx context.Context, client *http.Client, url, shardID string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: build request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest: fetch %s: status %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", url, err)
	}
	return FromGGUF(bytes.NewReader(body), shardID)
}
