// Provides a small demo dataset for empty stores.

package storage

import (
	"context"
	"fmt"

	"github.com/maruel/reconsole/internal/models"
)

type seedService struct {
	proto, name, info string
	port              int
}

type seedVuln struct {
	name, severity, xtype string
	port                  int
	tags                  []string
}

type seedHost struct {
	address, hostname, os string
	tags                  []string
	services              []seedService
	vulns                 []seedVuln
	note                  string
}

var demoHosts = []seedHost{
	{
		address: "127.4.4.4", hostname: "localhost.demo", os: "Linux",
		services: []seedService{{proto: "tcp", port: 22, name: "ssh", info: "OpenSSH 9.6"}},
		vulns:    []seedVuln{{name: "SSH weak MAC algorithms", severity: "low", xtype: "nessus", port: 22}},
	},
	{
		address: "192.0.2.10", hostname: "web.example.test", os: "Debian",
		tags: []string{"prod"},
		services: []seedService{
			{proto: "tcp", port: 80, name: "http", info: "nginx"},
			{proto: "tcp", port: 443, name: "https", info: "nginx"},
		},
		vulns: []seedVuln{
			{name: "TLS 1.0 enabled", severity: "medium", xtype: "nuclei", port: 443, tags: []string{"todo"}},
			{name: "Directory listing", severity: "high", xtype: "nuclei", port: 80},
		},
		note: "behind the load balancer",
	},
	{
		address: "198.51.100.7", hostname: "db.example.test", os: "FreeBSD",
		services: []seedService{{proto: "tcp", port: 5432, name: "postgresql"}},
		vulns:    []seedVuln{{name: "PostgreSQL exposed", severity: "critical", xtype: "manual", port: 5432, tags: []string{"report"}}},
	},
	{address: "2001:db8::1", hostname: "v6.example.test"},
	{address: "10.1.2.3", hostname: "printer.lan", os: "embedded", tags: []string{"ignore"}},
}

// SeedDemo fills an empty store with a few hosts, services, vulnerabilities
// and notes. It does nothing when hosts already exist.
func (s *Store) SeedDemo(ctx context.Context) error {
	if s.tables["hosts"].Len() != 0 {
		return nil
	}
	for _, h := range demoHosts {
		hostID, err := s.Insert(ctx, "hosts", models.Row{"address": h.address, "hostname": h.hostname, "os": nilIfEmpty(h.os), "tags": h.tags})
		if err != nil {
			return fmt.Errorf("failed to seed host %s: %w", h.address, err)
		}
		ports := map[int]int64{}
		for _, svc := range h.services {
			id, err := s.Insert(ctx, "services", models.Row{
				"host_id": hostID, "proto": svc.proto, "port": svc.port,
				"state": "open:syn-ack", "name": svc.name, "info": nilIfEmpty(svc.info),
			})
			if err != nil {
				return fmt.Errorf("failed to seed service %s/%d: %w", h.address, svc.port, err)
			}
			ports[svc.port] = id
		}
		for _, v := range h.vulns {
			row := models.Row{"host_id": hostID, "name": v.name, "severity": v.severity, "xtype": v.xtype, "tags": v.tags}
			if id, ok := ports[v.port]; ok {
				row["service_id"] = id
			}
			if _, err := s.Insert(ctx, "vulns", row); err != nil {
				return fmt.Errorf("failed to seed vuln %q: %w", v.name, err)
			}
		}
		if h.note != "" {
			if _, err := s.Insert(ctx, "notes", models.Row{"host_id": hostID, "xtype": "comment", "data": h.note}); err != nil {
				return fmt.Errorf("failed to seed note: %w", err)
			}
		}
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
