// 本文件用于收件箱与命令行共用的文件工具函数
package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileExists 检查文件是否存在
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !errors.Is(err, os.ErrNotExist)
}

// FileStem 获取文件名（不含目录与扩展名）
func FileStem(filePath string) string {
	base := filepath.Base(filePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// MoveInto 把文件移动到目录中，目标已存在时在文件名后追加时间戳
func MoveInto(filePath, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}
	target := filepath.Join(dir, filepath.Base(filePath))
	if FileExists(target) {
		ext := filepath.Ext(filePath)
		target = filepath.Join(dir, fmt.Sprintf("%s-%s%s", FileStem(filePath), now.Format("20060102150405"), ext))
	}
	if err := os.Rename(filePath, target); err != nil {
		return "", err
	}
	return target, nil
}
