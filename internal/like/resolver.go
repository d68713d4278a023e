package like

import (
	"context"
)

// MemberFinder 查詢成員
//
// 不存在時返回 errors.ErrMemberNotFound。
type MemberFinder interface {
	FindMember(ctx context.Context, id int64) (Member, error)
}

// ResourceFinder 查詢貼文與留言
//
// 不存在（含已刪除）時返回 errors.ErrResourceNotFound。
type ResourceFinder interface {
	FindPost(ctx context.Context, id int64) (Resource, error)
	FindComment(ctx context.Context, id int64) (Resource, error)
}

// Resolver 將 (type, id) 解析為資源並判斷擁有者
type Resolver struct {
	resources ResourceFinder
}

// NewResolver 建立 Resolver
func NewResolver(resources ResourceFinder) *Resolver {
	return &Resolver{resources: resources}
}

// NormalizeResourceType 見 package 層級的同名函式
func (r *Resolver) NormalizeResourceType(s string) (ResourceType, error) {
	return NormalizeResourceType(s)
}

// ResolveResource 依類型查詢資源
//
// 類型無效時不做任何查詢。
func (r *Resolver) ResolveResource(ctx context.Context, resourceType string, id int64) (Resource, error) {
	rt, err := NormalizeResourceType(resourceType)
	if err != nil {
		return Resource{}, err
	}

	switch rt {
	case ResourcePost:
		return r.resources.FindPost(ctx, id)
	default:
		return r.resources.FindComment(ctx, id)
	}
}

// IsOwner 成員是否為資源作者
func (r *Resolver) IsOwner(member Member, resource Resource) bool {
	return member.ID == resource.AuthorID
}
