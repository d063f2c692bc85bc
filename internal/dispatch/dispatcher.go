// Package dispatch 将一组提示词载荷并发发往单一端点，并等待全部到达终态。
//
// 约束：
//   - 每个载荷恰好产生一个终态结果；单个请求的失败不影响兄弟请求，批次总是跑完。
//   - 无重试；请求一旦发出，只受超时约束，不随父 ctx 取消（父 ctx 仅在请求开始前检查）。
//   - chunked 策略下多个写协程共享一条连接且不加锁，对端看到的是交错的字节流。
package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"aidispatch/internal/diag"
	"aidispatch/pkg/contract"
)

// Printer 接收每个终态结果的单行渲染。
type Printer interface {
	Println(line string)
}

// LinePrinter 将行写入 io.Writer；整行加锁写出，行与行之间的先后顺序不作保证。
type LinePrinter struct {
	W  io.Writer
	mu sync.Mutex
}

func (p *LinePrinter) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.W, line)
}

// Entry 交给 Recorder 的一条终态记录。
type Entry struct {
	BatchID  string
	Strategy Strategy
	Result   Result
}

// Recorder 可选的终态结果落盘（例如 MySQL 日志表）。返回的错误只记日志，不影响批次。
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Recorders 依次交给每个 Recorder；错误合并返回。
type Recorders []Recorder

func (rs Recorders) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range rs {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Components 聚合运行所需的协作者。
type Components struct {
	// Codec 为 thread/task 策略构造请求与解析响应；chunked 策略不需要。
	Codec    contract.RequestCodec
	Printer  Printer
	Recorder Recorder
	Terminal *diag.Terminal
}

// Settings 运行期配置；启动时构造一次，此后只读。
type Settings struct {
	Strategy Strategy
	// Decode: false 时 2xx 即成功并原样打印响应体；true 时经 Codec.DecodeResponse 取文本，形状异常归为 protocol。
	Decode bool
	// Timeout 单请求完整往返超时，默认 60s。
	Timeout time.Duration
	// TLSConfig 用于 HTTPS 与 chunked 的 TLS 连接（可选，例如测试注入 RootCAs）。
	TLSConfig *tls.Config

	// chunked 专用
	Addr        string        // host:port
	PlainTCP    bool          // true 时不做 TLS 包装
	ChunkSize   int           // 默认 1000
	ChunkDelay  time.Duration // 默认 50ms；<0 表示无延迟
	ReadTimeout time.Duration // 尽力读取超时，默认 2s
	ReadSize    int           // 尽力读取上限，默认 4096
	DialTimeout time.Duration // 默认 10s
}

func (s *Settings) defaults() {
	if s.Strategy == "" {
		s.Strategy = StrategyThread
	}
	if s.Timeout <= 0 {
		s.Timeout = 60 * time.Second
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = 1000
	}
	if s.ChunkDelay == 0 {
		s.ChunkDelay = 50 * time.Millisecond
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 2 * time.Second
	}
	if s.ReadSize <= 0 {
		s.ReadSize = 4096
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = 10 * time.Second
	}
}

// Dispatcher 持有一次构造好的依赖与只读配置，可重复 Run。
type Dispatcher struct {
	comp   Components
	set    Settings
	logger *diag.Logger
	newID  func() string
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New 校验配置；缺少必需协作者时返回前置条件错误（不触网）。
func New(comp Components, set Settings, logger *diag.Logger) (*Dispatcher, error) {
	set.defaults()
	if _, err := ParseStrategy(string(set.Strategy)); err != nil {
		return nil, fmt.Errorf("%w: %v", contract.ErrPrecondition, err)
	}
	switch set.Strategy {
	case StrategyThread, StrategyTask:
		if comp.Codec == nil {
			return nil, fmt.Errorf("%w: strategy %s requires a request codec", contract.ErrPrecondition, set.Strategy)
		}
	case StrategyChunked:
		if _, _, err := net.SplitHostPort(set.Addr); err != nil {
			return nil, fmt.Errorf("%w: chunked strategy requires host:port: %v", contract.ErrPrecondition, err)
		}
	}
	d := &Dispatcher{comp: comp, set: set, logger: logger, newID: uuid.NewString}
	d.dial = d.dialConn
	return d, nil
}

// Settings 返回补齐默认值后的配置副本。
func (d *Dispatcher) Settings() Settings { return d.set }

// Run 并发发送全部载荷并等待所有请求到达终态（join-all）。
// 结果按提交顺序返回，打印按完成顺序发生。返回的 error 仅用于批次无法开始的情形。
func (d *Dispatcher) Run(ctx context.Context, payloads []Payload) (*Batch, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: empty batch", contract.ErrPrecondition)
	}
	b := &Batch{ID: d.newID(), Strategy: d.set.Strategy}
	timer := d.logger.StartWithKV("dispatch", "batch", b.ID, "", map[string]string{
		"strategy": string(d.set.Strategy),
		"requests": strconv.Itoa(len(payloads)),
		"decode":   strconv.FormatBool(d.set.Decode),
	})
	target := d.set.Addr
	if d.set.Strategy != StrategyChunked {
		target = "http"
	}
	d.comp.Terminal.RunStart(string(d.set.Strategy), target, len(payloads))
	start := time.Now()

	switch d.set.Strategy {
	case StrategyChunked:
		b.Results, b.Reply = d.runChunked(ctx, b, payloads)
	default:
		b.Results = d.runHTTP(ctx, b, payloads)
	}

	failed := b.Failed()
	timer.FinishKV("batch", int64(len(b.Results)), map[string]string{"failed": strconv.Itoa(failed)})
	diag.ObserveDuration("dispatch", "batch", time.Since(start).Milliseconds())
	d.comp.Terminal.RunFinish(failed == 0, time.Since(start))
	return b, nil
}

// finish 统一处理单个终态：日志、指标、终端进度、打印、落盘。
func (d *Dispatcher) finish(ctx context.Context, b *Batch, r Result) {
	req := strconv.Itoa(r.ID)
	if r.OK() {
		diag.IncOp("dispatch", "request", "success")
		d.logger.Debug("dispatch", "request completed", map[string]string{"batch_id": b.ID, "req_id": req, "status": strconv.Itoa(r.Status)})
	} else {
		diag.IncOp("dispatch", "request", "error")
		diag.IncError("dispatch", string(r.Kind))
		kv := map[string]string{"label": r.Label}
		if r.Status != 0 {
			kv["http_status"] = strconv.Itoa(r.Status)
		}
		msg := "request failed"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		t0 := time.Now().Add(-r.Dur)
		d.logger.ErrorWithKV("dispatch", r.Kind, msg, &t0, b.ID, req, kv)
	}
	diag.ObserveDuration("dispatch", "request", r.Dur.Milliseconds())
	d.comp.Terminal.RequestDone(r.OK())
	if d.comp.Printer != nil {
		d.comp.Printer.Println(r.Line())
	}
	if d.comp.Recorder != nil {
		if err := d.comp.Recorder.Record(context.WithoutCancel(ctx), Entry{BatchID: b.ID, Strategy: b.Strategy, Result: r}); err != nil {
			d.logger.ErrorWithKV("journal", diag.Classify(err), err.Error(), nil, b.ID, req, nil)
		}
	}
}

// tracker 跟踪单个请求的状态迁移；非法迁移视为程序错误。
type tracker struct {
	res   Result
	start time.Time
}

func newTracker(p Payload) *tracker {
	return &tracker{res: Result{ID: p.ID, Label: p.Label, State: StateCreated}}
}

func (t *tracker) move(to State) {
	next, err := t.res.State.Next(to)
	if err != nil {
		panic(err)
	}
	t.res.State = next
	if to == StateInFlight {
		t.start = time.Now()
	}
	if to.Terminal() && !t.start.IsZero() {
		t.res.Dur = time.Since(t.start)
	}
}

func (t *tracker) complete() Result {
	t.move(StateCompleted)
	return t.res
}

func (t *tracker) fail(err error) Result {
	t.res.Err = err
	t.res.Kind = diag.Classify(err)
	t.move(StateFailed)
	return t.res
}
