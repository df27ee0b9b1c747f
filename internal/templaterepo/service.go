// Package templaterepo keeps the revision history of per-instance proposal
// templates in per-instance git repositories. Administrators iterate on a
// template while an instance is live; the history answers "which template
// was this proposal validated against".
package templaterepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const templateFile = "template.json"

// ErrNotInitialized is returned when an instance has no template repository
// yet. Callers treat it as "no history", not a failure.
var ErrNotInitialized = errors.New("template repository not initialized")

// ErrUnchanged is returned when a commit would record the exact template
// already at head.
var ErrUnchanged = errors.New("template unchanged")

// Revision describes one committed template version.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureRepo initializes the instance's template repository with the given
// template as the baseline commit. Calling it again is a no-op.
func (s *Service) EnsureRepo(instanceID string, initial json.RawMessage, author string) error {
	lock := s.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(instanceID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeTemplateFile(path, initial); err != nil {
		return err
	}
	if _, err := worktree.Add(templateFile); err != nil {
		return fmt.Errorf("git add initial template: %w", err)
	}
	hash, err := worktree.Commit("Import template baseline", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial template: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitTemplate records a new template version. An unchanged template
// refuses to commit so the history stays one entry per real edit.
func (s *Service) CommitTemplate(instanceID string, template json.RawMessage, author, message string) (Revision, error) {
	lock := s.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(instanceID)
	repo, err := s.open(instanceID)
	if err != nil {
		return Revision{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	if err := writeTemplateFile(path, template); err != nil {
		return Revision{}, err
	}
	if _, err := worktree.Add(templateFile); err != nil {
		return Revision{}, fmt.Errorf("git add template: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return Revision{}, ErrUnchanged
		}
		return Revision{}, fmt.Errorf("commit template: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// Head returns the current template and its revision.
func (s *Service) Head(instanceID string) (json.RawMessage, Revision, error) {
	lock := s.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(instanceID)
	if err != nil {
		return nil, Revision{}, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, Revision{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, Revision{}, fmt.Errorf("load commit object: %w", err)
	}
	template, err := readTemplateFromCommit(commitObj)
	if err != nil {
		return nil, Revision{}, err
	}
	return template, toRevision(commitObj), nil
}

// GetByHash returns the template as of a specific revision.
func (s *Service) GetByHash(instanceID, hash string) (json.RawMessage, error) {
	lock := s.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(instanceID)
	if err != nil {
		return nil, err
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readTemplateFromCommit(commitObj)
}

// History lists template revisions newest first.
func (s *Service) History(instanceID string, limit int) ([]Revision, error) {
	lock := s.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(instanceID)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(instanceID string) string {
	return filepath.Join(s.baseDir, instanceID)
}

func (s *Service) open(instanceID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(instanceID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) instanceLock(instanceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[instanceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[instanceID] = lock
	return lock
}

func writeTemplateFile(repoPath string, template json.RawMessage) error {
	pretty, err := indentJSON(template)
	if err != nil {
		return fmt.Errorf("normalize template: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, templateFile), append(pretty, '\n'), 0o644); err != nil {
		return fmt.Errorf("write template file: %w", err)
	}
	return nil
}

// indentJSON re-encodes the template with stable indentation so commits
// diff cleanly regardless of how the caller serialized it.
func indentJSON(raw json.RawMessage) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return json.MarshalIndent(parsed, "", "  ")
}

func readTemplateFromCommit(commitObj *object.Commit) (json.RawMessage, error) {
	file, err := commitObj.File(templateFile)
	if err != nil {
		return nil, fmt.Errorf("load template from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open template reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read template bytes: %w", err)
	}
	return json.RawMessage(raw), nil
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.agora.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
