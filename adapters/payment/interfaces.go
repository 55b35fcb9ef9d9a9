//go:generate mockgen -package=payment -destination=mock.go -source=interfaces.go

package payment

import (
	"context"
	"fmt"
)

// IGateway 定義了付款閘道的操作介面
// 每筆被接受的出價都會先建立預授權（圈存），結標時只有得標的
// 出價會被請款，其餘的預授權全部釋放。Capture和Release對已經
// 終結的預授權是冪等的no-op，因為結標流程可能被重複觸發
type IGateway interface {
	// EnsureCustomer 確保付款處理商上存在對應的客戶，回傳客戶參照
	EnsureCustomer(ctx context.Context, name, email string) (string, error)
	// Authorize 建立一筆預授權（只圈存不請款）
	Authorize(ctx context.Context, input AuthorizeInput) (*Authorization, error)
	// Capture 將預授權轉為實際請款
	Capture(ctx context.Context, ref string) error
	// Release 取消預授權，不產生任何費用
	Release(ctx context.Context, ref string) error
}

// AuthorizeInput 是建立預授權的參數
type AuthorizeInput struct {
	// AmountCents 是圈存金額，單位為分
	AmountCents int64
	// CustomerRef 是付款處理商上的客戶參照，可為空
	CustomerRef string
	// PaymentMethod 是付款方式參照，可為空（由前端確認時綁定）
	PaymentMethod string
	// Description 會出現在付款處理商的後台
	Description string
	// IdempotencyKey 讓重送的請求不會建立重複的預授權
	IdempotencyKey string
}

// Authorization 是預授權的結果
type Authorization struct {
	// Ref 是付款處理商的預授權參照
	Ref string
	// ClientSecret 交給前端完成付款確認
	ClientSecret string
}

// DeclinedError 代表付款處理商拒絕了預授權
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}
