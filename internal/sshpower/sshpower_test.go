package sshpower

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/backutil/backutil/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type mockSession struct {
	combinedOutputFunc func(cmd string) ([]byte, error)
}

func (m *mockSession) CombinedOutput(cmd string) ([]byte, error) {
	if m.combinedOutputFunc != nil {
		return m.combinedOutputFunc(cmd)
	}
	return []byte(""), nil
}

func (m *mockSession) Close() error { return nil }

type mockClient struct {
	newSessionFunc func() (Session, error)
}

func (m *mockClient) NewSession() (Session, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSession{}, nil
}

func (m *mockClient) Close() error { return nil }

type mockFactory struct {
	newClientFunc func(network, addr string, cfg *ssh.ClientConfig) (Client, error)
}

func (m *mockFactory) NewClient(network, addr string, cfg *ssh.ClientConfig) (Client, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, cfg)
	}
	return &mockClient{}, nil
}

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func testKeyPath(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func testConfig(t *testing.T) config.ShutdownConfig {
	return config.ShutdownConfig{
		Host: "192.168.1.100", Port: 22, Username: "root",
		KeyPath: testKeyPath(t), DelaySeconds: 1, OS: "linux",
	}
}

func TestShutdown_Success(t *testing.T) {
	var capturedCommand string
	factory := &mockFactory{newClientFunc: func(network, addr string, cfg *ssh.ClientConfig) (Client, error) {
		return &mockClient{newSessionFunc: func() (Session, error) {
			return &mockSession{combinedOutputFunc: func(cmd string) ([]byte, error) {
				capturedCommand = cmd
				return []byte("Shutdown scheduled"), nil
			}}, nil
		}}, nil
	}}

	s := NewWithFactory(testLogger(), factory)
	err := s.Shutdown(context.Background(), testConfig(t))
	require.NoError(t, err)
	// DelaySeconds is documented and configured in seconds on every
	// platform; Linux's shutdown(8) takes +N in minutes, so a 1-second
	// delay rounds up to the minimum of 1 minute, not "+1" second.
	assert.Contains(t, capturedCommand, "sudo shutdown -h +1")
}

func TestShutdown_DelayConvertedFromSecondsToMinutesOnLinux(t *testing.T) {
	var capturedCommand string
	factory := &mockFactory{newClientFunc: func(network, addr string, cfg *ssh.ClientConfig) (Client, error) {
		return &mockClient{newSessionFunc: func() (Session, error) {
			return &mockSession{combinedOutputFunc: func(cmd string) ([]byte, error) {
				capturedCommand = cmd
				return []byte("Shutdown scheduled"), nil
			}}, nil
		}}, nil
	}}

	s := NewWithFactory(testLogger(), factory)
	cfg := testConfig(t)
	cfg.DelaySeconds = 125 // rounds up to 3 minutes, not "+125"
	require.NoError(t, s.Shutdown(context.Background(), cfg))
	assert.Equal(t, "sudo shutdown -h +3", capturedCommand)
}

func TestShutdown_ImmediateShutdown(t *testing.T) {
	var capturedCommand string
	factory := &mockFactory{newClientFunc: func(network, addr string, cfg *ssh.ClientConfig) (Client, error) {
		return &mockClient{newSessionFunc: func() (Session, error) {
			return &mockSession{combinedOutputFunc: func(cmd string) ([]byte, error) {
				capturedCommand = cmd
				return []byte(""), nil
			}}, nil
		}}, nil
	}}

	s := NewWithFactory(testLogger(), factory)
	cfg := testConfig(t)
	cfg.DelaySeconds = 0
	require.NoError(t, s.Shutdown(context.Background(), cfg))
	assert.Equal(t, "sudo shutdown -h now", capturedCommand)
}

func TestShutdown_WindowsCommand(t *testing.T) {
	var capturedCommand string
	factory := &mockFactory{newClientFunc: func(network, addr string, cfg *ssh.ClientConfig) (Client, error) {
		return &mockClient{newSessionFunc: func() (Session, error) {
			return &mockSession{combinedOutputFunc: func(cmd string) ([]byte, error) {
				capturedCommand = cmd
				return []byte(""), nil
			}}, nil
		}}, nil
	}}

	s := NewWithFactory(testLogger(), factory)
	cfg := testConfig(t)
	cfg.OS = "windows"
	cfg.DelaySeconds = 30
	require.NoError(t, s.Shutdown(context.Background(), cfg))
	assert.Equal(t, "shutdown /s /t 30", capturedCommand)
}

func TestShutdown_ConnectionFailed(t *testing.T) {
	factory := &mockFactory{newClientFunc: func(network, addr string, cfg *ssh.ClientConfig) (Client, error) {
		return nil, errors.New("connection refused")
	}}

	s := NewWithFactory(testLogger(), factory)
	err := s.Shutdown(context.Background(), testConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to")
}

func TestShutdown_SessionFailed(t *testing.T) {
	factory := &mockFactory{newClientFunc: func(network, addr string, cfg *ssh.ClientConfig) (Client, error) {
		return &mockClient{newSessionFunc: func() (Session, error) {
			return nil, errors.New("session creation failed")
		}}, nil
	}}

	s := NewWithFactory(testLogger(), factory)
	err := s.Shutdown(context.Background(), testConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening SSH session")
}

func TestShutdown_CommandErrorIsNotFatal(t *testing.T) {
	factory := &mockFactory{newClientFunc: func(network, addr string, cfg *ssh.ClientConfig) (Client, error) {
		return &mockClient{newSessionFunc: func() (Session, error) {
			return &mockSession{combinedOutputFunc: func(cmd string) ([]byte, error) {
				return []byte("connection closed"), errors.New("exit status 255")
			}}, nil
		}}, nil
	}}

	s := NewWithFactory(testLogger(), factory)
	err := s.Shutdown(context.Background(), testConfig(t))
	assert.NoError(t, err)
}
