package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// maxBodyBytes bounds request bodies; a create request is well under 16KiB
const maxBodyBytes = 64 << 10

// cpuLimit accepts a JSON number or a numeric string; null and absent
// decode to zero, which the manager treats as missing
type cpuLimit float64

func (c *cpuLimit) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}

	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*c = 0
			return nil
		}
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("cpu must be a number, got %s", data)
	}
	*c = cpuLimit(v)
	return nil
}

type createRequest struct {
	Username string   `json:"username"`
	SSHKey   string   `json:"sshKey"`
	CPU      cpuLimit `json:"cpu"`
	Memory   string   `json:"memory"`
	Disk     string   `json:"disk"`
}

type vmRequest struct {
	VMID string `json:"vmId"`
}

type createResponse struct {
	VMID     string `json:"vmId"`
	SSHPort  int    `json:"sshPort"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type statusResponse struct {
	VMID   string `json:"vmId"`
	Status string `json:"status"`
}

type logsResponse struct {
	Logs string `json:"logs"`
}
