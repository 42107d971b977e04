package backends

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/aeolus-run/aeolus/pkg/config"
	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/executors/ec2"
	localexec "github.com/aeolus-run/aeolus/pkg/executors/local"
	sshexec "github.com/aeolus-run/aeolus/pkg/executors/ssh"
	"github.com/aeolus-run/aeolus/pkg/repositories/docker"
	"github.com/aeolus-run/aeolus/pkg/repositories/shell"
	localstore "github.com/aeolus-run/aeolus/pkg/storages/local"
	"github.com/aeolus-run/aeolus/pkg/storages/s3"
	"github.com/aeolus-run/aeolus/pkg/storages/sqlite"
)

func spec(kind, params string) config.BackendSpec {
	return config.BackendSpec{Kind: kind, Params: json.RawMessage(params)}
}

func TestDefaultKinds(t *testing.T) {
	executors, storages, repositories := Default().Kinds()

	if want := []string{"ec2", "local", "ssh"}; !slices.Equal(executors, want) {
		t.Errorf("executors = %v, want %v", executors, want)
	}
	if want := []string{"local", "s3", "sqlite"}; !slices.Equal(storages, want) {
		t.Errorf("storages = %v, want %v", storages, want)
	}
	if want := []string{"docker", "local", "shell"}; !slices.Equal(repositories, want) {
		t.Errorf("repositories = %v, want %v", repositories, want)
	}
}

func TestExecutor(t *testing.T) {
	r := Default()

	tests := []struct {
		name    string
		spec    config.BackendSpec
		check   func(engine.Executor) bool
		wantErr bool
	}{
		{
			name:  "local",
			spec:  spec("local", `{}`),
			check: func(e engine.Executor) bool { _, ok := e.(*localexec.Executor); return ok },
		},
		{
			name:  "ssh",
			spec:  spec("ssh", `{"uri": "ubuntu@build-1", "random_workdir": true, "connect_timeout": "5s"}`),
			check: func(e engine.Executor) bool { _, ok := e.(*sshexec.Executor); return ok },
		},
		{
			name: "ec2",
			spec: spec("ec2", `{"ami_id": "ami-1", "instance_type": "t3.micro", "key_name": "k",
				"key_file": "/k.pem", "security_group": "sg-1"}`),
			check: func(e engine.Executor) bool { _, ok := e.(*ec2.Executor); return ok },
		},
		{name: "ssh without uri", spec: spec("ssh", `{}`), wantErr: true},
		{name: "ec2 without ami", spec: spec("ec2", `{"instance_type": "t3.micro"}`), wantErr: true},
		{name: "unknown parameter", spec: spec("local", `{"shel": "/bin/sh"}`), wantErr: true},
		{name: "bad duration", spec: spec("ssh", `{"uri": "h", "connect_timeout": "soon"}`), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := r.Executor(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Executor() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("Executor() error = %v", err)
			}
			if !tt.check(e) {
				t.Errorf("Executor() built %T", e)
			}
		})
	}
}

func TestStorage(t *testing.T) {
	r := Default()
	dir := t.TempDir()

	tests := []struct {
		name    string
		spec    config.BackendSpec
		check   func(engine.Storage) bool
		wantErr bool
	}{
		{
			name:  "local",
			spec:  spec("local", `{"basepath": "`+dir+`"}`),
			check: func(s engine.Storage) bool { _, ok := s.(*localstore.Storage); return ok },
		},
		{
			name:  "s3",
			spec:  spec("s3", `{"bucket": "runs", "endpoint": "http://localhost:9000"}`),
			check: func(s engine.Storage) bool { _, ok := s.(*s3.Storage); return ok },
		},
		{
			name:  "sqlite",
			spec:  spec("sqlite", `{"path": "`+dir+`/meta.db", "basepath": "`+dir+`"}`),
			check: func(s engine.Storage) bool { _, ok := s.(*sqlite.Storage); return ok },
		},
		{name: "local without basepath", spec: spec("local", `{}`), wantErr: true},
		{name: "s3 bad endpoint", spec: spec("s3", `{"bucket": "b", "endpoint": "not a url"}`), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Storage(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Storage() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("Storage() error = %v", err)
			}
			if !tt.check(s) {
				t.Errorf("Storage() built %T", s)
			}
		})
	}
}

func TestRepository(t *testing.T) {
	r := Default()

	for _, kind := range []string{"shell", "local"} {
		repo, err := r.Repository(spec(kind, `{}`))
		if err != nil {
			t.Fatalf("Repository(%s) error = %v", kind, err)
		}
		if _, ok := repo.(*shell.Repository); !ok {
			t.Errorf("Repository(%s) built %T", kind, repo)
		}
	}

	repo, err := r.Repository(spec("docker", `{"url": "registry.local"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := repo.(*docker.Repository); !ok {
		t.Errorf("Repository(docker) built %T", repo)
	}
}

func TestUnknownKind(t *testing.T) {
	r := Default()

	if _, err := r.Executor(spec("kubernetes", `{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Executor() error = %v, want ErrUnknownKind", err)
	}
	if _, err := r.Storage(spec("gcs", `{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Storage() error = %v, want ErrUnknownKind", err)
	}
	if _, err := r.Repository(spec("podman", `{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Repository() error = %v, want ErrUnknownKind", err)
	}
}

func TestBuild(t *testing.T) {
	doc, err := config.ParseJSON([]byte(`{
		"executor": {"kind": "local"},
		"storage": {"kind": "local", "basepath": "` + t.TempDir() + `"},
		"repository": {"__class__": "aeolus.repository.docker.Docker"},
		"stages": [{"id": "a", "command": "alpine"}],
		"config": {"__id__": "j"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	def, err := config.Parse(doc)
	if err != nil {
		t.Fatal(err)
	}

	set, err := Default().Build(def)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if set.Executor == nil || set.Storage == nil || set.Repository == nil {
		t.Fatalf("Build() = %+v", set)
	}
	if _, ok := set.Repository.(*docker.Repository); !ok {
		t.Errorf("repository = %T, want docker", set.Repository)
	}
}

func TestCustomRegistration(t *testing.T) {
	r := NewRegistry()
	type params struct {
		Name string `json:"name" validate:"required"`
	}
	var got string
	r.RegisterRepository("custom", Typed(func(p params) (engine.Repository, error) {
		got = p.Name
		return shell.New(), nil
	}))

	if _, err := r.Repository(spec("custom", `{"name": "x"}`)); err != nil {
		t.Fatal(err)
	}
	if got != "x" {
		t.Errorf("params.Name = %q, want x", got)
	}
	if _, err := r.Repository(spec("custom", `{}`)); err == nil {
		t.Error("missing required parameter should fail")
	}
}
