// ABOUTME: Typed Linear operations: viewer, teams, projects, issues and comments
// ABOUTME: Comment listing follows pagination and filters on updatedAt

package linear

import (
	"context"
	"strings"
	"time"

	"github.com/2389/hiamp/internal/hiamp"
)

// commentPageSize is the number of comments fetched per page.
const commentPageSize = 50

// User is a Linear account.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// Team groups issues.
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Project is a Linear project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Issue is the subset of issue fields the transport needs.
type Issue struct {
	ID         string   `json:"id"`
	Identifier string   `json:"identifier"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Team       Team     `json:"team"`
	Project    *Project `json:"project"`
}

// Comment is a comment on an issue.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	User      *User     `json:"user"`
}

const issueFields = `id identifier title url team { id key name } project { id name }`

const commentFields = `id body createdAt updatedAt user { id name displayName }`

// Viewer returns the account the API key belongs to.
func (c *Client) Viewer(ctx context.Context) (User, error) {
	var out struct {
		Viewer User `json:"viewer"`
	}
	if err := c.do(ctx, `query { viewer { id name displayName } }`, nil, &out); err != nil {
		return User{}, err
	}
	return out.Viewer, nil
}

// Teams lists every team visible to the API key.
func (c *Client) Teams(ctx context.Context) ([]Team, error) {
	var out struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	if err := c.do(ctx, `query { teams(first: 250) { nodes { id key name } } }`, nil, &out); err != nil {
		return nil, err
	}
	return out.Teams.Nodes, nil
}

// FindTeam matches ref against team id, key or name (case-insensitive).
func (c *Client) FindTeam(ctx context.Context, ref string) (Team, error) {
	teams, err := c.Teams(ctx)
	if err != nil {
		return Team{}, err
	}
	for _, t := range teams {
		if t.ID == ref || strings.EqualFold(t.Key, ref) || strings.EqualFold(t.Name, ref) {
			return t, nil
		}
	}
	return Team{}, hiamp.Errorf(hiamp.CodeUnknownTeam, "no linear team matches %q", ref)
}

// FindProject looks up a project of teamID by name.
func (c *Client) FindProject(ctx context.Context, teamID, name string) (Project, error) {
	var out struct {
		Team struct {
			Projects struct {
				Nodes []Project `json:"nodes"`
			} `json:"projects"`
		} `json:"team"`
	}
	const q = `query($teamId: String!, $name: String!) {
  team(id: $teamId) { projects(first: 10, filter: { name: { eqIgnoreCase: $name } }) { nodes { id name } } }
}`
	if err := c.do(ctx, q, map[string]any{"teamId": teamID, "name": name}, &out); err != nil {
		return Project{}, err
	}
	if len(out.Team.Projects.Nodes) == 0 {
		return Project{}, hiamp.Errorf(hiamp.CodeNotFound, "no project %q in team %s", name, teamID)
	}
	return out.Team.Projects.Nodes[0], nil
}

// Issue fetches an issue by id or identifier (e.g. ENG-123).
func (c *Client) Issue(ctx context.Context, id string) (Issue, error) {
	var out struct {
		Issue *Issue `json:"issue"`
	}
	err := c.do(ctx, `query($id: String!) { issue(id: $id) { `+issueFields+` } }`, map[string]any{"id": id}, &out)
	if err != nil {
		if hiamp.CodeOf(err) == hiamp.CodeGraphQLError && strings.Contains(strings.ToLower(err.Error()), "not found") {
			return Issue{}, hiamp.Wrap(hiamp.CodeIssueNotFound, err, "issue "+id)
		}
		return Issue{}, err
	}
	if out.Issue == nil {
		return Issue{}, hiamp.Errorf(hiamp.CodeIssueNotFound, "issue %s not found", id)
	}
	return *out.Issue, nil
}

// IssueQuery narrows SearchIssues. Empty fields are not filtered on.
type IssueQuery struct {
	TeamID    string
	ProjectID string
	Title     string
}

// SearchIssues returns open issues matching q, most recently updated first.
func (c *Client) SearchIssues(ctx context.Context, q IssueQuery) ([]Issue, error) {
	filter := map[string]any{
		"state": map[string]any{"type": map[string]any{"nin": []string{"completed", "canceled"}}},
	}
	if q.TeamID != "" {
		filter["team"] = map[string]any{"id": map[string]any{"eq": q.TeamID}}
	}
	if q.ProjectID != "" {
		filter["project"] = map[string]any{"id": map[string]any{"eq": q.ProjectID}}
	}
	if q.Title != "" {
		filter["title"] = map[string]any{"eqIgnoreCase": q.Title}
	}

	var out struct {
		Issues struct {
			Nodes []Issue `json:"nodes"`
		} `json:"issues"`
	}
	const query = `query($filter: IssueFilter) {
  issues(first: 10, filter: $filter, orderBy: updatedAt) { nodes { ` + issueFields + ` } }
}`
	if err := c.do(ctx, query, map[string]any{"filter": filter}, &out); err != nil {
		return nil, err
	}
	return out.Issues.Nodes, nil
}

// CreateIssueInput describes a new issue.
type CreateIssueInput struct {
	TeamID      string
	ProjectID   string
	Title       string
	Description string
}

// CreateIssue creates an issue.
func (c *Client) CreateIssue(ctx context.Context, in CreateIssueInput) (Issue, error) {
	input := map[string]any{
		"teamId":      in.TeamID,
		"title":       in.Title,
		"description": in.Description,
	}
	if in.ProjectID != "" {
		input["projectId"] = in.ProjectID
	}

	var out struct {
		IssueCreate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	const q = `mutation($input: IssueCreateInput!) {
  issueCreate(input: $input) { success issue { ` + issueFields + ` } }
}`
	if err := c.do(ctx, q, map[string]any{"input": input}, &out); err != nil {
		return Issue{}, hiamp.Wrap(hiamp.CodeIssueCreateFailed, err, "creating issue "+in.Title)
	}
	if !out.IssueCreate.Success || out.IssueCreate.Issue == nil {
		return Issue{}, hiamp.Errorf(hiamp.CodeIssueCreateFailed, "linear did not create issue %q", in.Title)
	}
	return *out.IssueCreate.Issue, nil
}

// Comments returns every comment on issueID updated after since, oldest
// first. A zero since returns all comments.
func (c *Client) Comments(ctx context.Context, issueID string, since time.Time) ([]Comment, error) {
	const q = `query($id: String!, $first: Int!, $after: String, $filter: CommentFilter) {
  issue(id: $id) {
    comments(first: $first, after: $after, filter: $filter, orderBy: createdAt) {
      nodes { ` + commentFields + ` }
      pageInfo { hasNextPage endCursor }
    }
  }
}`

	vars := map[string]any{"id": issueID, "first": commentPageSize}
	if !since.IsZero() {
		vars["filter"] = map[string]any{"updatedAt": map[string]any{"gt": since.UTC().Format(time.RFC3339Nano)}}
	}

	var all []Comment
	for {
		var out struct {
			Issue *struct {
				Comments struct {
					Nodes    []Comment `json:"nodes"`
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
				} `json:"comments"`
			} `json:"issue"`
		}
		if err := c.do(ctx, q, vars, &out); err != nil {
			return nil, err
		}
		if out.Issue == nil {
			return nil, hiamp.Errorf(hiamp.CodeIssueNotFound, "issue %s not found", issueID)
		}
		all = append(all, out.Issue.Comments.Nodes...)
		page := out.Issue.Comments.PageInfo
		if !page.HasNextPage || page.EndCursor == "" {
			break
		}
		vars["after"] = page.EndCursor
	}
	return all, nil
}

// CreateComment posts body on issueID. parentID threads it under another
// comment when set.
func (c *Client) CreateComment(ctx context.Context, issueID, body, parentID string) (Comment, error) {
	input := map[string]any{"issueId": issueID, "body": body}
	if parentID != "" {
		input["parentId"] = parentID
	}

	var out struct {
		CommentCreate struct {
			Success bool     `json:"success"`
			Comment *Comment `json:"comment"`
		} `json:"commentCreate"`
	}
	const q = `mutation($input: CommentCreateInput!) {
  commentCreate(input: $input) { success comment { ` + commentFields + ` } }
}`
	if err := c.do(ctx, q, map[string]any{"input": input}, &out); err != nil {
		return Comment{}, err
	}
	if !out.CommentCreate.Success || out.CommentCreate.Comment == nil {
		return Comment{}, hiamp.Errorf(hiamp.CodeAPIError, "linear did not create the comment on %s", issueID)
	}
	return *out.CommentCreate.Comment, nil
}
