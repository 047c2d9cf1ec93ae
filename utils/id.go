package utils

import "github.com/google/uuid"

// NewID 生成随机ID，用于请求ID与临时文件名
func NewID() string {
	return uuid.NewString()
}
