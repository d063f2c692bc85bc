package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"aidispatch/internal/chunk"
)

// runChunked 共享单条连接：每个载荷一个写协程，按片长+片间延迟写出，互不加锁。
// 全部写协程结束后做一次尽力读取。连接失败时每个载荷都以 FAILED 结束。
func (d *Dispatcher) runChunked(ctx context.Context, b *Batch, payloads []Payload) ([]Result, *Reply) {
	results := make([]Result, len(payloads))
	conn, err := d.dial(ctx, "tcp", d.set.Addr)
	if err != nil {
		d.println("Failed to connect: " + err.Error())
		for i, p := range payloads {
			results[i] = newTracker(p).fail(err)
			d.finish(ctx, b, results[i])
		}
		return results, nil
	}
	defer conn.Close()
	mode := "TLS"
	if d.set.PlainTCP {
		mode = "TCP"
	}
	d.println("Connected to " + d.set.Addr + " (" + mode + ")")
	d.logger.Debug("dispatch", "connected", map[string]string{"batch_id": b.ID, "addr": d.set.Addr, "mode": mode})

	var wg sync.WaitGroup
	for i, p := range payloads {
		wg.Add(1)
		go func(i int, p Payload) {
			defer wg.Done()
			results[i] = d.write(ctx, conn, p)
			d.finish(ctx, b, results[i])
		}(i, p)
	}
	wg.Wait()

	reply := d.readReply(conn)
	kv := map[string]string{"batch_id": b.ID, "bytes": strconv.Itoa(len(reply.Data))}
	if reply.TimedOut {
		kv["timeout"] = "true"
	}
	d.logger.Debug("dispatch", "reply", kv)
	d.println(reply.Line())
	return results, &reply
}

// write 单个写协程：片间延迟不随父 ctx 取消。
func (d *Dispatcher) write(ctx context.Context, conn net.Conn, p Payload) Result {
	t := newTracker(p)
	if err := ctx.Err(); err != nil {
		return t.fail(err)
	}
	t.move(StateInFlight)
	w := &chunk.Writer{
		W:       conn,
		Size:    d.set.ChunkSize,
		Delay:   d.set.ChunkDelay,
		OnChunk: func(int) { t.res.Chunks++ },
	}
	_ = conn.SetWriteDeadline(time.Now().Add(d.set.Timeout))
	n, err := w.WriteAll(context.WithoutCancel(ctx), []byte(p.Text))
	t.res.Bytes = n
	if err != nil {
		return t.fail(err)
	}
	return t.complete()
}

// readReply 一次尽力读取；超时或对端关闭均不视为故障。
func (d *Dispatcher) readReply(conn net.Conn) Reply {
	_ = conn.SetReadDeadline(time.Now().Add(d.set.ReadTimeout))
	buf := make([]byte, d.set.ReadSize)
	n, err := conn.Read(buf)
	r := Reply{Data: buf[:n]}
	if n == 0 && err != nil {
		r.Err = err
		r.TimedOut = errors.Is(err, os.ErrDeadlineExceeded)
	}
	return r
}

// dialConn 建立共享连接；默认 TLS，ServerName 取 host。
func (d *Dispatcher) dialConn(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.set.DialTimeout}
	if d.set.PlainTCP {
		return nd.DialContext(ctx, network, addr)
	}
	cfg := d.set.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(addr)
		cfg.ServerName = host
	}
	td := &tls.Dialer{NetDialer: nd, Config: cfg}
	return td.DialContext(ctx, network, addr)
}

func (d *Dispatcher) println(line string) {
	if d.comp.Printer != nil {
		d.comp.Printer.Println(line)
	}
}
