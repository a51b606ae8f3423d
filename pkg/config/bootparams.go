package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// DefaultCmdlinePath is where the kernel exposes its boot parameters.
const DefaultCmdlinePath = "/proc/cmdline"

// ReadCmdline parses the kernel command line at path into key/value pairs.
func ReadCmdline(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCmdline(string(data)), nil
}

// ParseCmdline splits a kernel command line. Flags without '=' map to "".
// Later occurrences of a key win, as they do for the kernel.
func ParseCmdline(cmdline string) map[string]string {
	params := make(map[string]string)
	for _, field := range strings.Fields(cmdline) {
		key, value, _ := strings.Cut(field, "=")
		params[key] = strings.Trim(value, `"`)
	}
	return params
}

// SeedVars maps management boot parameters onto [vars] keys.
func SeedVars(params map[string]string) (map[string]string, error) {
	vars := make(map[string]string)

	if server, ok := params["management_server"]; ok && server != "" {
		host, port, err := splitHostPort(server)
		if err != nil {
			return nil, fmt.Errorf("management_server %q: %w", server, err)
		}
		vars["vdc_host_name"] = host
		if port != 0 {
			vars["vdc_host_port"] = strconv.Itoa(port)
		}
	}
	if fp, ok := params["management_server_fingerprint"]; ok && fp != "" {
		vars["fingerprint"] = strings.ToUpper(fp)
	}
	if ticket, ok := params["management_server_ticket"]; ok && ticket != "" {
		vars["ticket"] = ticket
	}
	return vars, nil
}

// Seed writes the management boot parameters into the config file at path and
// returns what it wrote.
func Seed(path string, params map[string]string) (map[string]string, error) {
	vars, err := SeedVars(params)
	if err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return vars, nil
	}
	return vars, SetVars(path, vars)
}

func splitHostPort(server string) (string, int, error) {
	if !strings.Contains(server, ":") || strings.Count(server, ":") > 1 && !strings.HasPrefix(server, "[") {
		return server, 0, nil
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, ErrInvalidPort
	}
	return host, port, nil
}
