package tdp

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// DynoSeasoning represents the configuration values.
type DynoSeasoning struct {
	PoolConfig        *PoolConfig        `json:"PoolConfig" yaml:"PoolConfig"`
	CompressionConfig *CompressionConfig `json:"CompressionConfig" yaml:"CompressionConfig"`
	EncryptionConfig  *EncryptionConfig  `json:"EncryptionConfig" yaml:"EncryptionConfig"`
}

// PoolConfig represents settings for creating/configuring the connection pool.
// Durations are milliseconds unless noted.
type PoolConfig struct {
	Name                    string `json:"Name" yaml:"Name"`
	Port                    int    `json:"Port" yaml:"Port"`                       // stamped onto every host on admission
	MaxConnsPerHost         int    `json:"MaxConnsPerHost" yaml:"MaxConnsPerHost"` // upper bound each sub-pool primes to
	MaxTimeoutWhenExhausted uint32 `json:"MaxTimeoutWhenExhausted" yaml:"MaxTimeoutWhenExhausted"`
	ConnectTimeout          uint32 `json:"ConnectTimeout" yaml:"ConnectTimeout"`
	OperationTimeout        uint32 `json:"OperationTimeout" yaml:"OperationTimeout"`
	PoolType                string `json:"PoolType" yaml:"PoolType"` // "sync" or "async"
	LocalRack               string `json:"LocalRack" yaml:"LocalRack"`
	LocalDatacenter         string `json:"LocalDatacenter" yaml:"LocalDatacenter"`
	RetryAttempts           int    `json:"RetryAttempts" yaml:"RetryAttempts"`
	ErrorRateThreshold      int    `json:"ErrorRateThreshold" yaml:"ErrorRateThreshold"`
	HealthCheckInterval     uint32 `json:"HealthCheckInterval" yaml:"HealthCheckInterval"`
	HostRefreshInitialDelay uint32 `json:"HostRefreshInitialDelay" yaml:"HostRefreshInitialDelay"`
	HostRefreshInterval     uint32 `json:"HostRefreshInterval" yaml:"HostRefreshInterval"`
}

// Pool types selecting the sub-pool factory.
const (
	SyncPoolType  = "sync"
	AsyncPoolType = "async"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultMaxConnsPerHost         = 3
	DefaultMaxTimeoutWhenExhausted = 2000
	DefaultConnectTimeout          = 3000
	DefaultOperationTimeout        = 5000
	DefaultRetryAttempts           = 1
	DefaultErrorRateThreshold      = 10
	DefaultHealthCheckInterval     = 30000
	DefaultHostRefreshInitialDelay = 15000
	DefaultHostRefreshInterval     = 30000
)

// ApplyDefaults fills zero-valued settings with their defaults.
func (pc *PoolConfig) ApplyDefaults() {
	if pc.MaxConnsPerHost == 0 {
		pc.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if pc.MaxTimeoutWhenExhausted == 0 {
		pc.MaxTimeoutWhenExhausted = DefaultMaxTimeoutWhenExhausted
	}
	if pc.ConnectTimeout == 0 {
		pc.ConnectTimeout = DefaultConnectTimeout
	}
	if pc.OperationTimeout == 0 {
		pc.OperationTimeout = DefaultOperationTimeout
	}
	if pc.PoolType == "" {
		pc.PoolType = SyncPoolType
	}
	if pc.RetryAttempts == 0 {
		pc.RetryAttempts = DefaultRetryAttempts
	}
	if pc.ErrorRateThreshold == 0 {
		pc.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if pc.HealthCheckInterval == 0 {
		pc.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if pc.HostRefreshInitialDelay == 0 {
		pc.HostRefreshInitialDelay = DefaultHostRefreshInitialDelay
	}
	if pc.HostRefreshInterval == 0 {
		pc.HostRefreshInterval = DefaultHostRefreshInterval
	}
}

// MaxExhaustedTimeout returns MaxTimeoutWhenExhausted as a duration.
func (pc *PoolConfig) MaxExhaustedTimeout() time.Duration {
	return time.Duration(pc.MaxTimeoutWhenExhausted) * time.Millisecond
}

// ConnectTimeoutDuration returns ConnectTimeout as a duration.
func (pc *PoolConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(pc.ConnectTimeout) * time.Millisecond
}

// OperationTimeoutDuration returns OperationTimeout as a duration.
func (pc *PoolConfig) OperationTimeoutDuration() time.Duration {
	return time.Duration(pc.OperationTimeout) * time.Millisecond
}

// HealthCheckIntervalDuration returns HealthCheckInterval as a duration.
func (pc *PoolConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(pc.HealthCheckInterval) * time.Millisecond
}

// RefreshInitialDelay returns HostRefreshInitialDelay as a duration.
func (pc *PoolConfig) RefreshInitialDelay() time.Duration {
	return time.Duration(pc.HostRefreshInitialDelay) * time.Millisecond
}

// RefreshInterval returns HostRefreshInterval as a duration.
func (pc *PoolConfig) RefreshInterval() time.Duration {
	return time.Duration(pc.HostRefreshInterval) * time.Millisecond
}

// CompressionConfig allows you to configure compression of stored values.
type CompressionConfig struct {
	Enabled   bool   `json:"Enabled" yaml:"Enabled"`
	Type      string `json:"Type,omitempty" yaml:"Type,omitempty"`
	Threshold int    `json:"Threshold,omitempty" yaml:"Threshold,omitempty"` // minimum value size in bytes before compressing
}

// EncryptionConfig allows you to configure symmetric key encryption of stored values.
type EncryptionConfig struct {
	Enabled           bool   `json:"Enabled" yaml:"Enabled"`
	Type              string `json:"Type,omitempty" yaml:"Type,omitempty"`
	Hashkey           []byte `json:"-" yaml:"-"`
	TimeConsideration uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty"`
	MemoryMultiplier  uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty"`
	Threads           uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty"`
}

// ConvertJSONFileToConfig opens a file.json and converts to DynoSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*DynoSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &DynoSeasoning{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}
