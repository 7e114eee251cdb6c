package config

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type AppConfig struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	WebRTC   WebRTCConfig   `json:"webrtc" yaml:"webrtc"`
	Timeouts TimeoutConfig  `json:"timeouts" yaml:"timeouts"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	History  HistoryConfig  `json:"history" yaml:"history"`
}

type ServerConfig struct {
	Port             int     `json:"port" yaml:"port"`
	TLSCrtFile       *string `json:"tlsCrtFile" yaml:"tlsCrtFile"`
	TLSKeyFile       *string `json:"tlsKeyFile" yaml:"tlsKeyFile"`
	ClientCredential *string `json:"clientCredential" yaml:"clientCredential"`
}

type WebRTCConfig struct {
	PortMin uint16 `json:"portMin" yaml:"portMin"`
	PortMax uint16 `json:"portMax" yaml:"portMax"`
	// ICEServers is a fixed list of STUN endpoints. No TURN relay is
	// configured; symmetric-NAT traversal failure is an accepted
	// limitation.
	ICEServers []string `json:"iceServers" yaml:"iceServers"`
}

// PeerConfiguration shapes the ICE server list for the transport.
func (c WebRTCConfig) PeerConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: c.ICEServers}},
	}
}

// TimeoutConfig bounds the signaling happy path. A call waiting on an
// answer longer than Ringing, or on transport connectivity longer than
// Signaling, fails instead of hanging forever.
type TimeoutConfig struct {
	RingingSec   int `json:"ringingSec" yaml:"ringingSec"`
	SignalingSec int `json:"signalingSec" yaml:"signalingSec"`
}

func (t TimeoutConfig) Ringing() time.Duration {
	return time.Duration(t.RingingSec) * time.Second
}

func (t TimeoutConfig) Signaling() time.Duration {
	return time.Duration(t.SignalingSec) * time.Second
}

type StoreConfig struct {
	// Backend selects the signaling store adapter: "memory" or "redis".
	Backend   string `json:"backend" yaml:"backend"`
	RedisAddr string `json:"redisAddr" yaml:"redisAddr"`
}

type HistoryConfig struct {
	Path string `json:"path" yaml:"path"`
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Port: 13480,
		},
		WebRTC: WebRTCConfig{
			PortMin: 10000,
			PortMax: 20000,
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Timeouts: TimeoutConfig{
			RingingSec:   30,
			SignalingSec: 15,
		},
		Store: StoreConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
		},
		History: HistoryConfig{
			Path: "./data/callhistory.db",
		},
	}
}
