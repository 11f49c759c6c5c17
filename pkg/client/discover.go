package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tomledger/dpl/pkg/ledger"
)

const (
	probeTimeout     = 500 * time.Millisecond
	probeConcurrency = 32
)

// Validator inspects a reachable server's /status response and decides
// whether it is the ledger server the caller is looking for (e.g. matching
// basePath). A nil Validator accepts any server that answers /status.
type Validator func(status StatusInfo) bool

// StatusInfo mirrors the ledger server's /status response body.
type StatusInfo struct {
	Service  string `json:"service"`
	Version  string `json:"version"`
	Port     int    `json:"port"`
	BasePath string `json:"basePath"`
	UptimeMs int64  `json:"uptimeMs"`
}

// Discover scans localhost and the local LAN on port for a reachable ledger
// server, probing each candidate's /status endpoint the way the teacher's
// health.HTTPChecker probes a container's health endpoint: a short,
// context-bound GET with a fixed timeout, judged on status code plus an
// optional body predicate. Candidates are probed concurrently, bounded by
// probeConcurrency, and the scan stops at the first match. It returns the
// base URL of the first match.
func Discover(ctx context.Context, port int, validate Validator) (string, error) {
	candidates := candidateHosts(port)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string)
	found := make(chan string, 1)
	var wg sync.WaitGroup

	for i := 0; i < probeConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for host := range jobs {
				baseURL := fmt.Sprintf("http://%s", host)
				status, ok := probeStatus(scanCtx, baseURL)
				if !ok || (validate != nil && !validate(status)) {
					continue
				}
				select {
				case found <- baseURL:
					cancel()
				default:
				}
			}
		}()
	}

feed:
	for _, host := range candidates {
		select {
		case jobs <- host:
		case <-scanCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(found)

	if baseURL, ok := <-found; ok {
		return baseURL, nil
	}
	if err := ctx.Err(); err != nil {
		return "", ledgerDiscoveryErr(err)
	}
	return "", ledgerDiscoveryErr(nil)
}

func ledgerDiscoveryErr(cause error) error {
	return ledger.NewError(ledger.KindDiscoveryFailed, "no ledger server found", cause)
}

func probeStatus(ctx context.Context, baseURL string) (StatusInfo, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return StatusInfo{}, false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return StatusInfo{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusInfo{}, false
	}

	var status StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return StatusInfo{}, false
	}
	return status, true
}

// candidateHosts builds the probe list: localhost first (the common case for
// a single-machine dev setup), then every address in each local IPv4
// interface's /24 subnet, skipping the network/broadcast addresses and the
// interface's own address (already covered by the loopback probe when it's
// the local host).
func candidateHosts(port int) []string {
	hosts := []string{fmt.Sprintf("127.0.0.1:%d", port)}

	for _, local := range localIPv4Subnets() {
		for i := 1; i < 255; i++ {
			if byte(i) == local[3] {
				continue
			}
			ip := fmt.Sprintf("%d.%d.%d.%d", local[0], local[1], local[2], i)
			hosts = append(hosts, fmt.Sprintf("%s:%d", ip, port))
		}
	}

	return hosts
}

// localIPv4Subnets returns every non-loopback IPv4 address bound to a local
// interface as [a, b, c, d]; the first three octets name its /24 subnet.
func localIPv4Subnets() [][4]byte {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	var subnets [][4]byte
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		subnets = append(subnets, [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]})
	}
	return subnets
}
