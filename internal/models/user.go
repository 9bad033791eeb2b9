package models

// Project is a remote project the user may track time against. The project
// list is owned by the User row and replaced wholesale on login.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is the single locally cached account. Exactly one row exists while
// logged in; it is replaced wholesale on login and erased on logout.
type User struct {
	UUID             string    `json:"uuid"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Token            string    `json:"token"`
	Projects         []Project `json:"projects"`
	CurrentProjectID string    `json:"currentProjectId,omitempty"`
}

// ProjectName resolves a project id against the cached project list,
// falling back to the id itself when unknown.
func (u *User) ProjectName(id string) string {
	for _, p := range u.Projects {
		if p.ID == id {
			return p.Name
		}
	}
	return id
}
