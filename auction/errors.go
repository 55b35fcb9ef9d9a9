package auction

import (
	"errors"
	"fmt"

	"bidreel/models"
)

var (
	// ErrNotFound 代表目標拍賣、出價或錄影session不存在
	ErrNotFound = errors.New("not found")
	// ErrForbidden 代表呼叫者沒有權限執行該操作
	ErrForbidden = errors.New("forbidden")
	// ErrNotStarted 代表拍賣尚未開始，還不能出價
	ErrNotStarted = errors.New("auction has not started")
)

// ValidationError 代表請求內容不合法，在任何副作用發生前就被拒絕
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// OutbidError 代表出價金額沒有超過目前的領先出價
// MustExceed 是呼叫者必須超過的金額（單位為分）
type OutbidError struct {
	MustExceed int64
}

func (e *OutbidError) Error() string {
	return fmt.Sprintf("bid must exceed %d", e.MustExceed)
}

// AuthorizationDeclinedError 代表付款預授權被處理商拒絕
// 出價會被標記為 failed，目前的領先者維持不變
type AuthorizationDeclinedError struct {
	Code    string
	Message string
}

func (e *AuthorizationDeclinedError) Error() string {
	return fmt.Sprintf("payment authorization declined (%s): %s", e.Code, e.Message)
}

// AlreadyFinalizedError 代表操作的目標拍賣已經進入終止狀態
type AlreadyFinalizedError struct {
	Status models.AuctionStatus
}

func (e *AlreadyFinalizedError) Error() string {
	return fmt.Sprintf("auction already finalized, status=%s", e.Status)
}

// CaptureFailedError 代表得標者的預授權請款在重試後仍然失敗
// 拍賣仍會結束，但 payout_status 會被標記為 capture_failed 等待人工處理
type CaptureFailedError struct {
	BidID string
	Err   error
}

func (e *CaptureFailedError) Error() string {
	return fmt.Sprintf("fail to capture winning bid %s: %v", e.BidID, e.Err)
}

func (e *CaptureFailedError) Unwrap() error {
	return e.Err
}
