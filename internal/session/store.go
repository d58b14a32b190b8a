package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/internal/spatial"
	"github.com/langchou/roadscan/internal/state"
)

// Persister 持久化写入，nil 表示只在内存中保存
type Persister interface {
	CreateRide(ctx context.Context, ride *models.Ride) error
	CloseRide(ctx context.Context, rideID string, end time.Time) error
	DeleteRide(ctx context.Context, rideID string) error
	InsertDetection(ctx context.Context, d *models.Detection) error
	InsertPosition(ctx context.Context, p *models.PositionSample) error
}

// Loader 启动时恢复已有数据
type Loader interface {
	LoadRides(ctx context.Context) ([]*models.Ride, error)
	LoadDetections(ctx context.Context, rideID string) ([]*models.Detection, error)
	LoadPositions(ctx context.Context, rideID string) ([]*models.PositionSample, error)
}

// Snapshot 某一时刻 ride 的不可变视图，读者可以安全遍历
type Snapshot struct {
	Ride       models.Ride
	Detections []*models.Detection
	Positions  []*models.PositionSample
}

type rideEntry struct {
	mu    sync.Mutex // 串行化同一 ride 的写操作 (append / close)
	snap  atomic.Pointer[Snapshot]
	stale   bool // 从存储恢复的未结束 ride，属于上一次进程
	deleted bool
}

// Options 存储选项
type Options struct {
	Persister Persister
	Index     *spatial.Index
	Clock     func() time.Time
	// OnAppend 每次追加检测后调用，参数为该 ride 当前检测数；不能阻塞
	OnAppend func(rideID string, count int)
	// OnClose ride 结束后调用
	OnClose func(rideID string)
}

// Store 会话存储：ride 生命周期、检测追加与查询
type Store struct {
	logger    *zap.Logger
	persister Persister
	index     *spatial.Index
	devices   *state.Manager
	clock     func() time.Time
	onAppend  func(rideID string, count int)
	onClose   func(rideID string)
	seq       atomic.Int64

	mu    sync.RWMutex
	rides map[string]*rideEntry

	deviceLocks sync.Map // deviceID -> *sync.Mutex
}

// NewStore 创建会话存储
func NewStore(logger *zap.Logger, opts Options) *Store {
	s := &Store{
		logger:    logger,
		persister: opts.Persister,
		index:     opts.Index,
		clock:     opts.Clock,
		onAppend:  opts.OnAppend,
		onClose:   opts.OnClose,
		rides:     make(map[string]*rideEntry),
	}
	if s.index == nil {
		s.index = spatial.NewIndex(0)
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	s.devices = state.NewManager(func(deviceID, from, to string) {
		logger.Debug("Device state changed",
			zap.String("device_id", deviceID),
			zap.String("from", from),
			zap.String("to", to))
	})
	return s
}

// SetHooks 设置回调，需在开始写入前调用
func (s *Store) SetHooks(onAppend func(rideID string, count int), onClose func(rideID string)) {
	s.onAppend = onAppend
	s.onClose = onClose
}

// Index 空间索引
func (s *Store) Index() *spatial.Index {
	return s.index
}

// Devices 所有设备的采集状态，按设备 id 排序
func (s *Store) Devices() []state.DeviceState {
	all := s.devices.GetAllStates()
	out := make([]state.DeviceState, 0, len(all))
	for _, st := range all {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (s *Store) deviceLock(deviceID string) *sync.Mutex {
	l, _ := s.deviceLocks.LoadOrStore(deviceID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *Store) entry(rideID string) (*rideEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rides[rideID]
	return e, ok
}

// OpenRide 为设备开始新的 ride
// 设备已有本进程开启的进行中 ride 时返回 ErrConflict；
// 若进行中的 ride 是上次异常退出遗留的，先以最后一条检测时间结束它
func (s *Store) OpenRide(ctx context.Context, deviceID, notes string) (*models.Ride, error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	machine := s.devices.GetOrCreate(deviceID)
	if !machine.CanStart() {
		current := machine.GetState().RideID
		e, ok := s.entry(current)
		if !ok || !e.stale {
			return nil, fmt.Errorf("device %q already has ongoing ride %s: %w", deviceID, current, models.ErrConflict)
		}
		if err := s.closeStale(ctx, e); err != nil {
			return nil, err
		}
		if err := machine.Stop(current); err != nil {
			return nil, fmt.Errorf("stop stale ride: %w", err)
		}
	}

	ride := models.Ride{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Notes:     notes,
		StartTime: s.clock(),
	}
	if s.persister != nil {
		if err := s.persister.CreateRide(ctx, &ride); err != nil {
			return nil, fmt.Errorf("create ride: %w", err)
		}
	}

	e := &rideEntry{}
	e.snap.Store(&Snapshot{Ride: ride})
	s.mu.Lock()
	s.rides[ride.ID] = e
	s.mu.Unlock()

	if err := machine.Start(ride.ID); err != nil {
		// 设备锁保证不会走到这里
		return nil, fmt.Errorf("start ride: %w", err)
	}

	s.logger.Info("Ride opened", zap.String("ride_id", ride.ID), zap.String("device_id", deviceID))
	out := ride
	return &out, nil
}

// closeStale 用最后已知检测时间结束遗留 ride
func (s *Store) closeStale(ctx context.Context, e *rideEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.snap.Load()
	end := snap.Ride.StartTime
	for _, d := range snap.Detections {
		if d.Timestamp.After(end) {
			end = d.Timestamp
		}
	}
	if err := s.finish(ctx, e, snap, end); err != nil {
		return fmt.Errorf("close stale ride %s: %w", snap.Ride.ID, err)
	}
	s.logger.Warn("Closed stale ride left by unclean shutdown",
		zap.String("ride_id", snap.Ride.ID),
		zap.Time("end_time", end))
	return nil
}

// finish 调用方持有 e.mu
func (s *Store) finish(ctx context.Context, e *rideEntry, snap *Snapshot, end time.Time) error {
	if end.Before(snap.Ride.StartTime) {
		end = snap.Ride.StartTime
	}
	if s.persister != nil {
		if err := s.persister.CloseRide(ctx, snap.Ride.ID, end); err != nil {
			return err
		}
	}
	next := *snap
	next.Ride.EndTime = &end
	e.snap.Store(&next)
	e.stale = false
	return nil
}

// CloseRide 结束 ride；重复结束视为成功，未知 ride 返回 ErrNotFound
// 已追加的检测不会丢弃，与之竞争的追加要么在结束前完成，要么返回 ErrNotFound
func (s *Store) CloseRide(ctx context.Context, rideID string) (*models.Ride, error) {
	e, ok := s.entry(rideID)
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}

	deviceID := e.snap.Load().Ride.DeviceID
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	snap := e.snap.Load()
	if !snap.Ride.Ongoing() {
		e.mu.Unlock()
		out := snap.Ride
		return &out, nil
	}
	if err := s.finish(ctx, e, snap, s.clock()); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("close ride %s: %w", rideID, err)
	}
	e.mu.Unlock()

	if machine, ok := s.devices.Get(deviceID); ok {
		if err := machine.Stop(rideID); err != nil {
			s.logger.Warn("Device state out of sync", zap.String("ride_id", rideID), zap.Error(err))
		}
	}

	closed := e.snap.Load().Ride
	s.logger.Info("Ride closed",
		zap.String("ride_id", rideID),
		zap.Int("detections", len(e.snap.Load().Detections)))
	if s.onClose != nil {
		s.onClose(rideID)
	}
	return &closed, nil
}

// DeleteRide 删除已结束的 ride，检测和位置随之删除
// 进行中的 ride 返回 ErrConflict，需先结束
func (s *Store) DeleteRide(ctx context.Context, rideID string) error {
	e, ok := s.entry(rideID)
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	snap := e.snap.Load()
	if snap.Ride.Ongoing() {
		return fmt.Errorf("ride %s is still recording: %w", rideID, models.ErrConflict)
	}

	if s.persister != nil {
		if err := s.persister.DeleteRide(ctx, rideID); err != nil {
			return fmt.Errorf("delete ride %s: %w", rideID, err)
		}
	}
	e.deleted = true
	s.mu.Lock()
	delete(s.rides, rideID)
	s.mu.Unlock()
	s.index.Drop(rideID)

	s.logger.Info("Ride deleted",
		zap.String("ride_id", rideID),
		zap.Int("detections", len(snap.Detections)),
		zap.Int("positions", len(snap.Positions)))
	return nil
}

// AppendDetection 校验并追加检测记录，返回写入后的副本
func (s *Store) AppendDetection(ctx context.Context, rideID string, d models.Detection) (*models.Detection, error) {
	d.RideID = rideID
	if err := d.Validate(); err != nil {
		return nil, err
	}

	e, ok := s.entry(rideID)
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	snap := e.snap.Load()
	if !snap.Ride.Ongoing() {
		e.mu.Unlock()
		return nil, fmt.Errorf("ride %s is closed: %w", rideID, models.ErrNotFound)
	}

	rec := freeze(d)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Seq = s.seq.Add(1)

	if s.persister != nil {
		if err := s.persister.InsertDetection(ctx, rec); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("persist detection: %w", err)
		}
	}

	next := *snap
	// 只追加到旧快照长度之后，旧快照读者看不到新元素
	next.Detections = append(snap.Detections, rec)
	e.snap.Store(&next)
	s.index.Insert(rideID, rec)
	count := len(next.Detections)
	e.mu.Unlock()

	if s.onAppend != nil {
		s.onAppend(rideID, count)
	}
	out := *rec
	return &out, nil
}

// AppendPosition 追加位置采样，没有定位的采样会被拒绝
func (s *Store) AppendPosition(ctx context.Context, rideID string, p models.PositionSample) error {
	p.RideID = rideID
	if err := p.Validate(); err != nil {
		return err
	}

	e, ok := s.entry(rideID)
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	snap := e.snap.Load()
	if !snap.Ride.Ongoing() {
		return fmt.Errorf("ride %s is closed: %w", rideID, models.ErrNotFound)
	}

	rec := p
	if s.persister != nil {
		if err := s.persister.InsertPosition(ctx, &rec); err != nil {
			return fmt.Errorf("persist position: %w", err)
		}
	}
	next := *snap
	next.Positions = append(snap.Positions, &rec)
	e.snap.Store(&next)
	return nil
}

// freeze 复制记录，调用方之后的修改不会影响已写入的数据
func freeze(d models.Detection) *models.Detection {
	rec := d
	if d.Altitude != nil {
		v := *d.Altitude
		rec.Altitude = &v
	}
	if d.Speed != nil {
		v := *d.Speed
		rec.Speed = &v
	}
	if d.BBox != nil {
		v := *d.BBox
		rec.BBox = &v
	}
	return &rec
}

// GetRide 获取 ride
func (s *Store) GetRide(rideID string) (*models.Ride, error) {
	snap, err := s.Snapshot(rideID)
	if err != nil {
		return nil, err
	}
	out := snap.Ride
	return &out, nil
}

// Snapshot 获取 ride 当前快照
func (s *Store) Snapshot(rideID string) (*Snapshot, error) {
	e, ok := s.entry(rideID)
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	return e.snap.Load(), nil
}

// Snapshots 所有 ride 的快照，按开始时间倒序
func (s *Store) Snapshots() []*Snapshot {
	s.mu.RLock()
	snaps := make([]*Snapshot, 0, len(s.rides))
	for _, e := range s.rides {
		snaps = append(snaps, e.snap.Load())
	}
	s.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		a, b := snaps[i].Ride, snaps[j].Ride
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return a.ID < b.ID
	})
	return snaps
}

// ListRides 按开始时间倒序分页列出 ride
func (s *Store) ListRides(limit, offset int) []models.Ride {
	snaps := s.Snapshots()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(snaps) {
		return []models.Ride{}
	}
	snaps = snaps[offset:]
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	rides := make([]models.Ride, 0, len(snaps))
	for _, snap := range snaps {
		rides = append(rides, snap.Ride)
	}
	return rides
}

// CountRides ride 总数
func (s *Store) CountRides() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rides)
}

// ActiveRide 最近开始的进行中 ride
func (s *Store) ActiveRide() (*models.Ride, bool) {
	for _, snap := range s.Snapshots() {
		if snap.Ride.Ongoing() {
			out := snap.Ride
			return &out, true
		}
	}
	return nil, false
}

// Restore 从存储恢复 ride 和检测，未结束的 ride 标记为遗留
func (s *Store) Restore(ctx context.Context, loader Loader) error {
	rides, err := loader.LoadRides(ctx)
	if err != nil {
		return fmt.Errorf("load rides: %w", err)
	}

	// 新的先处理，同一设备有多个未结束 ride 时保留最新的
	sort.SliceStable(rides, func(i, j int) bool { return rides[i].StartTime.After(rides[j].StartTime) })

	var maxSeq int64
	for _, ride := range rides {
		dets, err := loader.LoadDetections(ctx, ride.ID)
		if err != nil {
			return fmt.Errorf("load detections for ride %s: %w", ride.ID, err)
		}
		positions, err := loader.LoadPositions(ctx, ride.ID)
		if err != nil {
			return fmt.Errorf("load positions for ride %s: %w", ride.ID, err)
		}

		sort.SliceStable(dets, func(i, j int) bool { return dets[i].Seq < dets[j].Seq })
		e := &rideEntry{stale: ride.Ongoing()}
		e.snap.Store(&Snapshot{Ride: *ride, Detections: dets, Positions: positions})
		for _, d := range dets {
			s.index.Insert(ride.ID, d)
			if d.Seq > maxSeq {
				maxSeq = d.Seq
			}
		}

		s.mu.Lock()
		s.rides[ride.ID] = e
		s.mu.Unlock()

		if e.stale {
			if err := s.devices.GetOrCreate(ride.DeviceID).Start(ride.ID); err != nil {
				// 同一设备存在多个未结束 ride，直接结束较早的那个
				s.logger.Warn("Multiple ongoing rides for device", zap.String("device_id", ride.DeviceID), zap.String("ride_id", ride.ID))
				if err := s.closeStale(ctx, e); err != nil {
					return err
				}
			}
		}
	}

	if cur := s.seq.Load(); maxSeq > cur {
		s.seq.Store(maxSeq)
	}
	s.logger.Info("Restored rides", zap.Int("rides", len(rides)))
	return nil
}
