package notify

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestTemplates(t *testing.T) {
	w := Welcome("a@example.com")
	if w.Subject != "Welcome to the Library" || w.Body != "Thank you for registering!" {
		t.Fatalf("unexpected welcome: %+v", w)
	}
	b := BookBorrowed("a@example.com", "Dune")
	if b.Subject != "Book Borrowed" || b.Body != "You have borrowed the book: Dune." {
		t.Fatalf("unexpected borrow message: %+v", b)
	}
}

func TestMessageValidation(t *testing.T) {
	if err := (Message{}).validate(); err == nil {
		t.Fatalf("expected error for empty recipient")
	}
	if err := (Message{To: "a@example.com", Subject: "x\r\nBcc: evil@example.com"}).validate(); err == nil {
		t.Fatalf("expected error for header injection")
	}
}

func TestDispatcherDeliversAndDrainsOnShutdown(t *testing.T) {
	rec := &recordingSender{}
	d := NewDispatcher(rec, DispatcherConfig{Workers: 2, Buffer: 8})
	for i := 0; i < 5; i++ {
		if err := d.Enqueue(context.Background(), Welcome("a@example.com")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rec.count(); got != 5 {
		t.Fatalf("delivered %d, want 5", got)
	}
	if sent, failed, dropped := d.Stats(); sent != 5 || failed != 0 || dropped != 0 {
		t.Fatalf("stats = %d/%d/%d", sent, failed, dropped)
	}
}

func TestDispatcherDropsOnOverflow(t *testing.T) {
	d := NewDispatcher(&recordingSender{}, DispatcherConfig{Buffer: 1})
	if err := d.Enqueue(context.Background(), Welcome("a@example.com")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := d.Enqueue(context.Background(), Welcome("b@example.com")); !errors.Is(err, ErrDispatcherFull) {
		t.Fatalf("expected ErrDispatcherFull, got %v", err)
	}
	if _, _, dropped := d.Stats(); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestDispatcherSwallowsSendErrors(t *testing.T) {
	rec := &recordingSender{err: errors.New("smtp down")}
	d := NewDispatcher(rec, DispatcherConfig{Workers: 1})
	_ = d.Enqueue(context.Background(), Welcome("a@example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("run should not surface send errors: %v", err)
	}
	if _, failed, _ := d.Stats(); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

func TestDispatcherDeliversWhileRunning(t *testing.T) {
	delivered := make(chan Message, 1)
	d := NewDispatcher(SenderFunc(func(_ context.Context, msg Message) error {
		delivered <- msg
		return nil
	}), DispatcherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	_ = d.Enqueue(context.Background(), BookBorrowed("r@example.com", "Dune"))
	select {
	case msg := <-delivered:
		if msg.To != "r@example.com" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestLogSender(t *testing.T) {
	if err := (LogSender{}).Send(context.Background(), Welcome("a@example.com")); err != nil {
		t.Fatalf("log send: %v", err)
	}
	if err := (LogSender{}).Send(context.Background(), Message{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewSMTPSenderDefaults(t *testing.T) {
	if _, err := NewSMTPSender(SMTPConfig{}); err == nil {
		t.Fatalf("expected error without host")
	}
	s, err := NewSMTPSender(SMTPConfig{Host: "mail.example.com", Username: "lib@example.com"})
	if err != nil {
		t.Fatalf("new smtp sender: %v", err)
	}
	if s.cfg.Port != 587 || s.cfg.From != "lib@example.com" {
		t.Fatalf("unexpected defaults: %+v", s.cfg)
	}
}

func TestSMTPSenderSendsToRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go serveFakeSMTP(ln, received)

	addr := ln.Addr().(*net.TCPAddr)
	s, err := NewSMTPSender(SMTPConfig{
		Host:            "127.0.0.1",
		Port:            addr.Port,
		From:            "library@example.com",
		InsecureSkipTLS: true,
	})
	if err != nil {
		t.Fatalf("new smtp sender: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Send(ctx, BookBorrowed("reader@example.com", "Dune")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-received:
		if !strings.Contains(data, "Subject: Book Borrowed") || !strings.Contains(data, "You have borrowed the book: Dune.") {
			t.Fatalf("unexpected data: %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay received nothing")
	}
}

func serveFakeSMTP(ln net.Listener, received chan<- string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

	reply("220 localhost ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 localhost")
		case strings.HasPrefix(cmd, "MAIL FROM"), strings.HasPrefix(cmd, "RCPT TO"):
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			var data strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(l, "\r\n") == "." {
					break
				}
				data.WriteString(l)
			}
			received <- data.String()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 unsupported")
		}
	}
}
