package auth

import "context"

type subjectKey struct{}

// WithSubject 将经过身份验证的主体信息存储到上下文中。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中提取经过身份验证的主体信息。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// SubjectName 返回调用方名称，未认证时返回 fallback。
func SubjectName(ctx context.Context, fallback string) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return fallback
}
