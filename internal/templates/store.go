// Package templates keeps job templates: catalog rows in the database and
// .ini bodies on disk, edited together.
package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/model"
)

const bodyExt = ".ini"

// SystemVariables are filled by the token builder and never asked from a
// caller.
var SystemVariables = []string{"job_id", "public_datadir", "private_datadir"}

var (
	ErrInvalidName = errors.New("invalid template name")
	ErrNoBlocks    = errors.New("template must list at least one block")
)

var (
	namePattern     = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	variablePattern = regexp.MustCompile(`\$VAR\["([a-z_]+)"\]`)
)

type Catalog interface {
	CreateTemplate(ctx context.Context, t model.Template) (int64, error)
	GetTemplate(ctx context.Context, id int64) (model.Template, error)
	GetTemplateByName(ctx context.Context, name string) (model.Template, error)
	ListTemplates(ctx context.Context) ([]model.Template, error)
	UpdateTemplate(ctx context.Context, id int64, patch model.TemplatePatch) error
}

type Store struct {
	catalog Catalog
	files   blob.LocalFS
	bodies  *lru.Cache[string, cachedBody]
	logger  *slog.Logger
}

func New(catalog Catalog, files blob.LocalFS, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	bodies, _ := lru.New[string, cachedBody](64)
	return &Store{catalog: catalog, files: files, bodies: bodies, logger: logger}
}

// NormalizeName strips a trailing ".ini" so "config_video_convert.ini" and
// "config_video_convert" address the same template.
func NormalizeName(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), bodyExt)
}

func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) ByName(ctx context.Context, name string) (model.Template, error) {
	return s.catalog.GetTemplateByName(ctx, NormalizeName(name))
}

func (s *Store) ByID(ctx context.Context, id int64) (model.Template, error) {
	return s.catalog.GetTemplate(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]model.Template, error) {
	return s.catalog.ListTemplates(ctx)
}

func bodyKey(name string) string {
	return "/" + name + bodyExt
}

// cachedBody is valid while the file keeps the mtime and size it was read
// with; bodies edited by another process are picked up on the next read.
type cachedBody struct {
	text    string
	modTime time.Time
	size    int64
}

// Body returns the raw .ini text of the named template.
func (s *Store) Body(name string) (string, error) {
	name = NormalizeName(name)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	info, err := s.files.Stat(bodyKey(name))
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	if c, ok := s.bodies.Get(name); ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.text, nil
	}
	data, err := s.files.ReadFile(bodyKey(name))
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	body := string(data)
	s.bodies.Add(name, cachedBody{text: body, modTime: info.ModTime(), size: info.Size()})
	return body, nil
}

// Create writes the body and then inserts the catalog row; a failed insert
// removes the body again.
func (s *Store) Create(ctx context.Context, t model.Template, body string) (model.Template, error) {
	t.Name = NormalizeName(t.Name)
	if err := ValidateName(t.Name); err != nil {
		return model.Template{}, err
	}
	t.Blocks = cleanBlocks(t.Blocks)
	if len(t.Blocks) == 0 {
		return model.Template{}, ErrNoBlocks
	}
	if s.files.Exists(bodyKey(t.Name)) {
		return model.Template{}, fmt.Errorf("template body %s already exists", t.Name)
	}
	if err := s.files.WriteAtomic(bodyKey(t.Name), []byte(body)); err != nil {
		return model.Template{}, err
	}
	id, err := s.catalog.CreateTemplate(ctx, t)
	if err != nil {
		_ = s.files.Remove(bodyKey(t.Name))
		return model.Template{}, err
	}
	t.ID = id
	s.bodies.Remove(t.Name)
	return t, nil
}

// Update rewrites the body and the catalog row. The row is written last; if
// it fails, the previous body is put back so the catalog never describes
// content the file does not have.
func (s *Store) Update(ctx context.Context, id int64, patch model.TemplatePatch, body string) error {
	current, err := s.catalog.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	patch.Name = NormalizeName(patch.Name)
	if err := ValidateName(patch.Name); err != nil {
		return err
	}
	patch.Blocks = cleanBlocks(patch.Blocks)
	if len(patch.Blocks) == 0 {
		return ErrNoBlocks
	}

	renamed := patch.Name != current.Name
	if renamed && s.files.Exists(bodyKey(patch.Name)) {
		return fmt.Errorf("template body %s already exists", patch.Name)
	}
	prev, prevErr := s.files.ReadFile(bodyKey(current.Name))

	defer s.bodies.Remove(current.Name)
	defer s.bodies.Remove(patch.Name)

	if err := s.files.WriteAtomic(bodyKey(patch.Name), []byte(body)); err != nil {
		s.logger.Error("template body write failed", "template", patch.Name, "error", err)
		return err
	}

	if err := s.catalog.UpdateTemplate(ctx, id, patch); err != nil {
		s.restore(current.Name, patch.Name, prev, prevErr)
		return err
	}

	if renamed {
		if err := s.files.Remove(bodyKey(current.Name)); err != nil {
			s.logger.Warn("stale template body left behind", "template", current.Name, "error", err)
		}
	}
	return nil
}

func (s *Store) restore(oldName, newName string, prev []byte, prevErr error) {
	var err error
	switch {
	case oldName != newName:
		err = s.files.Remove(bodyKey(newName))
	case prevErr == nil:
		err = s.files.WriteAtomic(bodyKey(oldName), prev)
	default:
		err = s.files.Remove(bodyKey(oldName))
	}
	if err != nil {
		s.logger.Error("template body restore failed", "template", oldName, "error", err)
	}
}

// RequiredVariables lists the variables of the named template a caller must
// supply: everything except system variables and keys covered by defaults.
func (s *Store) RequiredVariables(name string, defaults map[string]string) ([]string, error) {
	body, err := s.Body(name)
	if err != nil {
		return nil, err
	}
	return lo.Filter(ExtractVariables(body), func(v string, _ int) bool {
		if lo.Contains(SystemVariables, v) {
			return false
		}
		_, ok := defaults[v]
		return !ok
	}), nil
}

var identifierPattern = regexp.MustCompile(`^[a-z_]+$`)

// IsVariableName reports whether name is a valid placeholder identifier.
func IsVariableName(name string) bool {
	return identifierPattern.MatchString(name)
}

// ExtractVariables returns the distinct $VAR["name"] identifiers of body in
// order of first appearance.
func ExtractVariables(body string) []string {
	matches := variablePattern.FindAllStringSubmatch(body, -1)
	names := lo.Map(matches, func(m []string, _ int) string { return m[1] })
	return lo.Uniq(names)
}

func cleanBlocks(blocks []string) []string {
	out := lo.Map(blocks, func(b string, _ int) string { return strings.TrimSpace(b) })
	return lo.Compact(out)
}

// ParseBlocks splits the semicolon-joined block notation used by the admin
// form and the CLI.
func ParseBlocks(raw string) []string {
	return cleanBlocks(strings.Split(raw, ";"))
}
