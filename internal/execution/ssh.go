package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/CZERTAINLY/Conan/internal/model"
)

var ErrNotConnected = errors.New("not connected")

// Remote runs commands over an SSH connection, typically on a cluster
// login node where the scheduler client tools are installed.
type Remote struct {
	cfg model.Locality

	mx     sync.Mutex
	client *ssh.Client
}

func NewRemote(cfg model.Locality) *Remote {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &Remote{cfg: cfg}
}

func (r *Remote) Name() string {
	return r.cfg.User + "@" + r.address()
}

func (r *Remote) address() string {
	return net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
}

func (r *Remote) Copy() Locality {
	return NewRemote(r.cfg)
}

func (r *Remote) EstablishConnection(ctx context.Context) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.client != nil {
		return nil
	}

	config, err := r.clientConfig()
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.address())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", r.address(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, r.address(), config)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", r.address(), err)
	}
	r.client = ssh.NewClient(c, chans, reqs)
	return nil
}

func (r *Remote) clientConfig() (*ssh.ClientConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	keyFile := r.cfg.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(home, ".ssh", "id_ed25519")
	}
	knownHosts := r.cfg.KnownHosts
	if knownHosts == "" {
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}

	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyFile, err)
	}
	hostKeys, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}

	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         30 * time.Second,
	}, nil
}

func (r *Remote) Run(ctx context.Context, command string) (Output, error) {
	r.mx.Lock()
	client := r.client
	r.mx.Unlock()
	if client == nil {
		return Output{}, ErrNotConnected
	}

	session, err := client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("opening ssh session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	out := Output{Started: time.Now().UTC()}
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		out.Stopped = time.Now().UTC()
		return out, ctx.Err()
	case err = <-done:
	}
	out.Stopped = time.Now().UTC()
	out.Lines = append(splitLines(stdout.String()), scanLines(ctx, &stderr)...)

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
	default:
		return out, err
	}
	return out, nil
}

func (r *Remote) Disconnect() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
