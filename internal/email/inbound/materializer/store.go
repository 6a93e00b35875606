package materializer

import (
	"github.com/opendesk-io/opendesk-ce/internal/repository"
)

// NewStores binds the repository set to one database handle. Pass a *sql.Tx
// so the whole materialization commits or rolls back as a unit.
func NewStores(db repository.DBTX) Stores {
	return Stores{
		Tickets:  repository.NewTicketRepository(db),
		Comments: repository.NewCommentRepository(db),
		Contacts: repository.NewUserRepository(db),
		Mappings: repository.NewMappingRepository(db),
	}
}
