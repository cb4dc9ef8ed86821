package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// shipTimeout bounds one sink round trip.
const shipTimeout = 5 * time.Second

// Shipper posts a batch of records to one SIEM sink. Implementations must
// be safe for use from the single shipper worker goroutine.
type Shipper interface {
	ShipBatch(ctx context.Context, records []Record) error
	Name() string
}

func hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil {
		return "skyfence"
	}
	return h
}

// SplunkShipper posts records to a Splunk HTTP Event Collector.
type SplunkShipper struct {
	url    string
	token  string
	source string
	client *http.Client
}

// NewSplunkShipper targets hecURL's collector event endpoint.
func NewSplunkShipper(hecURL, token string) *SplunkShipper {
	return &SplunkShipper{
		url:    strings.TrimRight(hecURL, "/") + "/services/collector/event",
		token:  token,
		source: "skyfence",
		client: &http.Client{Timeout: shipTimeout},
	}
}

func (s *SplunkShipper) Name() string { return "splunk" }

// ShipBatch posts one HEC envelope per record, newline-concatenated, which
// HEC accepts as a batch.
func (s *SplunkShipper) ShipBatch(ctx context.Context, records []Record) error {
	var body bytes.Buffer
	host := hostname()
	for _, record := range records {
		envelope := map[string]any{
			"time":       record.Timestamp,
			"host":       host,
			"source":     s.source,
			"sourcetype": "_json",
			"event":      record,
		}
		if err := json.NewEncoder(&body).Encode(envelope); err != nil {
			return fmt.Errorf("failed to encode splunk event: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")
	return doShip(s.client, req)
}

// ElasticsearchShipper posts records to daily indices via the _bulk API.
type ElasticsearchShipper struct {
	url    string
	index  string
	apiKey string
	client *http.Client
}

// NewElasticsearchShipper targets esURL with the given index prefix.
// index defaults to "skyfence-audit".
func NewElasticsearchShipper(esURL, index, apiKey string) *ElasticsearchShipper {
	if index == "" {
		index = "skyfence-audit"
	}
	return &ElasticsearchShipper{
		url:    strings.TrimRight(esURL, "/"),
		index:  index,
		apiKey: apiKey,
		client: &http.Client{Timeout: shipTimeout},
	}
}

func (s *ElasticsearchShipper) Name() string { return "elasticsearch" }

func (s *ElasticsearchShipper) ShipBatch(ctx context.Context, records []Record) error {
	indexName := fmt.Sprintf("%s-%s", s.index, time.Now().UTC().Format("2006.01.02"))

	var body bytes.Buffer
	for _, record := range records {
		action, _ := json.Marshal(map[string]any{"index": map[string]string{"_index": indexName}})
		doc, err := json.Marshal(struct {
			Record
			AtTimestamp string `json:"@timestamp"`
		}{Record: record, AtTimestamp: record.Timestamp})
		if err != nil {
			return fmt.Errorf("failed to encode elasticsearch document: %w", err)
		}
		body.Write(action)
		body.WriteByte('\n')
		body.Write(doc)
		body.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/_bulk", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+s.apiKey)
	}
	return doShip(s.client, req)
}

// DatadogShipper posts records to the Datadog Logs intake API.
type DatadogShipper struct {
	url    string
	apiKey string
	client *http.Client
}

// NewDatadogShipper targets the v2 logs intake for site (default
// datadoghq.com).
func NewDatadogShipper(apiKey, site string) *DatadogShipper {
	if site == "" {
		site = "datadoghq.com"
	}
	return &DatadogShipper{
		url:    fmt.Sprintf("https://http-intake.logs.%s/api/v2/logs", site),
		apiKey: apiKey,
		client: &http.Client{Timeout: shipTimeout},
	}
}

func (s *DatadogShipper) Name() string { return "datadog" }

func (s *DatadogShipper) ShipBatch(ctx context.Context, records []Record) error {
	host := hostname()
	payloads := make([]map[string]any, 0, len(records))
	for _, record := range records {
		message, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode datadog message: %w", err)
		}
		payloads = append(payloads, map[string]any{
			"ddsource": "skyfence",
			"ddtags":   fmt.Sprintf("env:%s,caller:%s", record.Env, record.Caller),
			"hostname": host,
			"message":  string(message),
			"service":  "skyfence",
		})
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("DD-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return doShip(s.client, req)
}

// SyslogShipper sends one RFC 5424 UDP datagram per record.
type SyslogShipper struct {
	conn     net.Conn
	facility int
	appName  string
}

// NewSyslogShipper dials the UDP collector at addr (host:port). facility
// defaults to 16 (local0).
func NewSyslogShipper(addr string, facility int) (*SyslogShipper, error) {
	if facility <= 0 {
		facility = 16
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial syslog collector %s: %w", addr, err)
	}
	return &SyslogShipper{conn: conn, facility: facility, appName: "skyfence"}, nil
}

func (s *SyslogShipper) Name() string { return "syslog" }

func (s *SyslogShipper) ShipBatch(_ context.Context, records []Record) error {
	// facility*8 + severity 6 (informational)
	priority := s.facility*8 + 6
	host := hostname()
	for _, record := range records {
		message, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode syslog message: %w", err)
		}
		frame := fmt.Sprintf("<%d>1 %s %s %s - - - %s",
			priority, record.Timestamp, host, s.appName, message)
		if _, err := s.conn.Write([]byte(frame)); err != nil {
			return fmt.Errorf("failed to send syslog datagram: %w", err)
		}
	}
	return nil
}

// Close releases the UDP socket.
func (s *SyslogShipper) Close() error {
	return s.conn.Close()
}

func doShip(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}
