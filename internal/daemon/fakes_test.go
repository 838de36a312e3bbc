package daemon

import (
	"bytes"
	"context"
	"sync"

	"github.com/g960059/termrelay/internal/ptyhost"
	"github.com/g960059/termrelay/internal/terminal"
)

type fakeProcess struct {
	mu      sync.Mutex
	written bytes.Buffer
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	code    int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{out: make(chan []byte, 16), done: make(chan struct{})}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakeProcess) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakeProcess) Resize(int, int) error { return nil }

func (p *fakeProcess) ReadLoop(fn func([]byte)) error {
	for chunk := range p.out {
		fn(chunk)
	}
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.out)
		close(p.done)
	})
}

func (p *fakeProcess) Close(context.Context) error {
	p.exit(-1)
	return nil
}

type fakeLauncher struct {
	mu   sync.Mutex
	last *fakeProcess
	err  error
}

func (l *fakeLauncher) Launch(ptyhost.LaunchSpec) (terminal.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess()
	l.last = p
	return p, nil
}

func (l *fakeLauncher) latest() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
