// Package like 實作按讚切換與批量同步管線
//
// 系統設計問題：
//
//	按讚是寫入密集的操作，熱門貼文在短時間內會收到大量切換請求，
//	如何在不壓垮關聯式資料庫的前提下，即時回應最新的按讚狀態與數量？
//
// 設計方案：
//
//	✅ 快取作為快速路徑（記憶體分片 LRU 或 Redis），請求只碰快取
//	✅ 待同步任務以 LikeKey 合併（最後寫入者勝），只保留目標狀態
//	✅ 背景排程器定期批量寫回 PostgreSQL，每個資源只做一次計數修正
//	✅ 通知以有界佇列非同步發送，失敗不影響切換結果
//
// 請求流程：
//
//	ToggleLike → Resolver（擁有者檢查）→ Store（讀取/寫入）
//	           → SyncScheduler（排入待同步）→ 返回 {liked, likeCount}
//	           → EventPublisher（非同步通知）
package like

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
)

// ResourceType 可按讚的資源類型
type ResourceType string

const (
	// ResourcePost 貼文
	ResourcePost ResourceType = "POST"

	// ResourceComment 留言（含回覆）
	ResourceComment ResourceType = "COMMENT"
)

// NormalizeResourceType 將不分大小寫的資源類型字串轉為標準值
//
// "reply" 視為留言，與既有前端的參數相容。
func NormalizeResourceType(s string) (ResourceType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "POST":
		return ResourcePost, nil
	case "COMMENT", "REPLY":
		return ResourceComment, nil
	default:
		return "", apperrors.ErrInvalidResourceType.WithDetails(fmt.Sprintf("unknown resource type %q", s))
	}
}

// noun 用於通知訊息
func (t ResourceType) noun() string {
	switch t {
	case ResourcePost:
		return "post"
	case ResourceComment:
		return "comment"
	default:
		return "content"
	}
}

// LikeKey 成員對單一資源的按讚關係
type LikeKey struct {
	ResourceType ResourceType
	ResourceID   int64
	MemberID     int64
}

// NewLikeKey 建立 LikeKey
func NewLikeKey(resourceType ResourceType, resourceID, memberID int64) LikeKey {
	return LikeKey{ResourceType: resourceType, ResourceID: resourceID, MemberID: memberID}
}

// CountKey 返回該資源的計數器鍵
func (k LikeKey) CountKey() CountKey {
	return CountKey{ResourceType: k.ResourceType, ResourceID: k.ResourceID}
}

// String 也作為 Redis key 使用
func (k LikeKey) String() string {
	return fmt.Sprintf("like:%s:%d:%d", k.ResourceType, k.ResourceID, k.MemberID)
}

// CountKey 單一資源的按讚計數器
type CountKey struct {
	ResourceType ResourceType
	ResourceID   int64
}

// String 也作為 Redis key 使用
func (k CountKey) String() string {
	return fmt.Sprintf("likeCount:%s:%d", k.ResourceType, k.ResourceID)
}

// LikeRecord 快取中的按讚狀態
//
// LikedAt 只在第一次按讚時設定，之後不再改變；
// 它決定最終寫回資料庫時是 INSERT 還是 UPDATE。
type LikeRecord struct {
	LikedAt   *time.Time
	UpdatedAt time.Time
	Liked     bool
}

// LikeState 切換前讀到的狀態
type LikeState struct {
	CurrentlyLiked bool
	IsNewLike      bool
}

// PendingSyncTask 待寫回資料庫的目標狀態
//
// 同一個 LikeKey 只保留一筆：後到的目標狀態覆蓋先到的，
// IsNewRelation 一旦為 true 就維持到寫回為止。
type PendingSyncTask struct {
	MemberID      int64
	ResourceID    int64
	ResourceType  ResourceType
	Liked         bool
	IsNewRelation bool

	LikedAt   time.Time // 第一次按讚的時間，非新關係時為零值
	UpdatedAt time.Time

	Toggles  int // 合併了幾次切換，用於釋放快取釘選
	Attempts int // 已失敗次數
}

// Key 返回任務對應的 LikeKey
func (t *PendingSyncTask) Key() LikeKey {
	return NewLikeKey(t.ResourceType, t.ResourceID, t.MemberID)
}

// Member 發起按讚的成員
type Member struct {
	ID       int64
	Username string
}

// Resource 被按讚的貼文或留言
type Resource struct {
	Type     ResourceType
	ID       int64
	AuthorID int64
}

// ToggleResult 切換結果
type ToggleResult struct {
	MemberID     int64        `json:"member_id"`
	ResourceID   int64        `json:"resource_id"`
	ResourceType ResourceType `json:"resource_type"`
	Liked        bool         `json:"liked"`
	LikeCount    int64        `json:"like_count"`
	Timestamp    time.Time    `json:"timestamp"`
}

// LikeNotification 送往通知子系統的事件
type LikeNotification struct {
	ID            string       `json:"id"`
	ActorID       int64        `json:"actor_id"`
	ActorName     string       `json:"actor_name"`
	TargetOwnerID int64        `json:"target_owner_id"`
	ResourceID    int64        `json:"resource_id"`
	ResourceType  ResourceType `json:"resource_type"`
	Message       string       `json:"message"`
	CreatedAt     time.Time    `json:"created_at"`
}
