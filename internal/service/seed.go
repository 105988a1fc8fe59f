package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/yuqie6/bprogress/internal/schema"
)

const defaultSeedFile = "activities-eng.csv"

// seedFiles 语言 -> 种子文件
var seedFiles = map[string]string{
	"en": defaultSeedFile,
	"pt": "activities-ptbr.csv",
	"es": "activities-sp.csv",
	"ja": "activities-jp.csv",
}

// Seeder 从本地化 CSV 读取初始活动
// 格式：id;name;description;order，首行为表头
type Seeder struct {
	fsys     fs.FS
	language string
}

// NewSeeder 创建种子加载器；language 形如 "pt" / "pt-BR"
func NewSeeder(fsys fs.FS, language string) *Seeder {
	return &Seeder{fsys: fsys, language: language}
}

// FileName 当前语言对应的种子文件
func (s *Seeder) FileName() string {
	lang := strings.ToLower(strings.TrimSpace(s.language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if name, ok := seedFiles[lang]; ok {
		return name
	}
	return defaultSeedFile
}

// Load 读取种子；本地化文件不存在时回退英文
func (s *Seeder) Load() ([]schema.ActivityItem, error) {
	if s == nil || s.fsys == nil {
		return nil, nil
	}

	name := s.FileName()
	f, err := s.fsys.Open(name)
	if errors.Is(err, fs.ErrNotExist) && name != defaultSeedFile {
		slog.Warn("本地化种子不存在，回退英文", "file", name)
		f, err = s.fsys.Open(defaultSeedFile)
	}
	if err != nil {
		return nil, fmt.Errorf("打开种子文件失败: %w", err)
	}
	defer f.Close()

	return ParseSeedCSV(f)
}

// ParseSeedCSV 解析种子 CSV：跳过表头；少于 2 列的行忽略；空 id 生成 uuid；缺少顺序时按行计数
func ParseSeedCSV(r io.Reader) ([]schema.ActivityItem, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var items []schema.ActivityItem
	header := true
	next := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("解析种子文件失败: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(rec) < 2 {
			slog.Debug("忽略格式错误的种子行", "line", strings.Join(rec, ";"))
			continue
		}

		id := strings.TrimSpace(rec[0])
		if id == "" {
			id = uuid.NewString()
		}
		item := schema.ActivityItem{
			ID:         id,
			Name:       strings.TrimSpace(rec[1]),
			OrderIndex: next,
		}
		if len(rec) > 2 {
			item.Description = strings.TrimSpace(rec[2])
		}
		if len(rec) > 3 {
			if n, err := strconv.Atoi(strings.TrimSpace(rec[3])); err == nil {
				item.OrderIndex = n
			}
		}
		next++
		items = append(items, item)
	}
	return items, nil
}
