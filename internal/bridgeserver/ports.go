package bridgeserver

import (
	"bufio"
	"context"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxctl/backend/internal/bridge"
	"github.com/sandboxctl/backend/internal/logger"
	ws "github.com/sandboxctl/backend/pkg/websocket"
)

const portScanInterval = 3 * time.Second

// portWatcher polls the kernel's TCP tables and emits a ports_update event
// whenever the set of listening ports changes.
type portWatcher struct {
	server *Server
	logger *logger.Logger
	last   []int
}

func newPortWatcher(server *Server, log *logger.Logger) *portWatcher {
	return &portWatcher{
		server: server,
		logger: log.WithFields(zap.String("component", "port_watcher")),
	}
}

func (w *portWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(portScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *portWatcher) scan() {
	ports := listeningPorts()
	if equalIntSlices(ports, w.last) {
		return
	}
	w.last = ports

	infos := make([]bridge.PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, bridge.PortInfo{Port: p})
	}
	w.server.Emit(ws.ActionPortsUpdate, bridge.PortsUpdateEvent{Ports: infos})
}

// listeningPorts parses /proc/net/tcp and /proc/net/tcp6 for sockets in
// LISTEN state (0A), deduplicated and sorted.
func listeningPorts() []int {
	seen := make(map[int]bool)
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Scan() // header
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 4 || fields[3] != "0A" {
				continue
			}
			addr := fields[1]
			idx := strings.LastIndex(addr, ":")
			if idx < 0 {
				continue
			}
			port, err := strconv.ParseInt(addr[idx+1:], 16, 32)
			if err != nil {
				continue
			}
			seen[int(port)] = true
		}
		_ = f.Close()
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

func equalIntSlices(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
