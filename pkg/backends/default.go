package backends

import (
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

// Default returns a registry with every built-in backend.
//
//	executors:    local, ssh, ec2
//	storages:     local, s3, sqlite
//	repositories: shell (alias local), docker
func Default() *Registry {
	r := NewRegistry()

	r.RegisterExecutor("local", Typed(func(p localexec.Params) (engine.Executor, error) {
		return localexec.New(p), nil
	}))
	r.RegisterExecutor("ssh", Typed(func(p sshexec.Params) (engine.Executor, error) {
		return sshexec.New(p), nil
	}))
	r.RegisterExecutor("ec2", Typed(func(p ec2.Params) (engine.Executor, error) {
		return ec2.New(p), nil
	}))

	r.RegisterStorage("local", Typed(func(p localstore.Params) (engine.Storage, error) {
		return localstore.New(p)
	}))
	r.RegisterStorage("s3", Typed(func(p s3.Params) (engine.Storage, error) {
		return s3.New(p), nil
	}))
	r.RegisterStorage("sqlite", Typed(func(p sqlite.Params) (engine.Storage, error) {
		return sqlite.New(p)
	}))

	newShell := Typed(func(struct{}) (engine.Repository, error) {
		return shell.New(), nil
	})
	r.RegisterRepository("shell", newShell)
	r.RegisterRepository("local", newShell)
	r.RegisterRepository("docker", Typed(func(p docker.Params) (engine.Repository, error) {
		return docker.New(p), nil
	}))

	return r
}
