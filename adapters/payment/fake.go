package payment

import (
	"context"
	"fmt"
	"sync"
)

// FakeAuthState 是FakeGateway中預授權的狀態
type FakeAuthState string

const (
	FakeAuthStateHeld     FakeAuthState = "held"
	FakeAuthStateCaptured FakeAuthState = "captured"
	FakeAuthStateReleased FakeAuthState = "released"
)

// FakeAuthorization 記錄FakeGateway中一筆預授權的內容
type FakeAuthorization struct {
	Ref         string
	AmountCents int64
	CustomerRef string
	State       FakeAuthState
}

// FakeGateway 是測試用的記憶體付款閘道
// 可以預先安排授權被拒絕或請款失敗的情境
type FakeGateway struct {
	mu    sync.Mutex
	seq   int
	auths map[string]*FakeAuthorization

	// DeclineNext 讓下一次Authorize回傳DeclinedError
	DeclineNext bool
	// FailCaptures 讓接下來N次Capture回傳錯誤
	FailCaptures int

	CaptureCalls int
	ReleaseCalls int
}

// NewFakeGateway 建立測試用的記憶體付款閘道
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{auths: make(map[string]*FakeAuthorization)}
}

func (g *FakeGateway) EnsureCustomer(ctx context.Context, name, email string) (string, error) {
	return "cus_fake_" + email, nil
}

func (g *FakeGateway) Authorize(ctx context.Context, input AuthorizeInput) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.DeclineNext {
		g.DeclineNext = false
		return nil, &DeclinedError{Code: "card_declined", Message: "card was declined"}
	}
	g.seq++
	ref := fmt.Sprintf("pi_fake_%d", g.seq)
	g.auths[ref] = &FakeAuthorization{
		Ref:         ref,
		AmountCents: input.AmountCents,
		CustomerRef: input.CustomerRef,
		State:       FakeAuthStateHeld,
	}
	return &Authorization{Ref: ref, ClientSecret: ref + "_secret"}, nil
}

func (g *FakeGateway) Capture(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CaptureCalls++
	if g.FailCaptures > 0 {
		g.FailCaptures--
		return fmt.Errorf("fake capture failure for %s", ref)
	}
	auth, ok := g.auths[ref]
	if !ok {
		return fmt.Errorf("unknown authorization %s", ref)
	}
	// 對已經終結的預授權冪等
	if auth.State == FakeAuthStateCaptured {
		return nil
	}
	if auth.State == FakeAuthStateReleased {
		return nil
	}
	auth.State = FakeAuthStateCaptured
	return nil
}

func (g *FakeGateway) Release(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ReleaseCalls++
	auth, ok := g.auths[ref]
	if !ok {
		return fmt.Errorf("unknown authorization %s", ref)
	}
	if auth.State != FakeAuthStateHeld {
		return nil
	}
	auth.State = FakeAuthStateReleased
	return nil
}

// Authorization 回傳指定參照的預授權內容，不存在時回傳nil
func (g *FakeGateway) Authorization(ref string) *FakeAuthorization {
	g.mu.Lock()
	defer g.mu.Unlock()
	if auth, ok := g.auths[ref]; ok {
		copied := *auth
		return &copied
	}
	return nil
}

// StatesByAmount 回傳金額到預授權狀態的對照，方便測試驗證
func (g *FakeGateway) StatesByAmount() map[int64]FakeAuthState {
	g.mu.Lock()
	defer g.mu.Unlock()
	result := make(map[int64]FakeAuthState, len(g.auths))
	for _, auth := range g.auths {
		result[auth.AmountCents] = auth.State
	}
	return result
}
