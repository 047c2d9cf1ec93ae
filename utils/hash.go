package utils

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

// FileDigest 计算文件MD5与大小，用于日志中关联同一张上传图片
func FileDigest(filePath string) (string, int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := md5.New()
	n, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(hash.Sum(nil)), n, nil
}
