// Package web is a reference agent.Environment backed by plain HTTP page
// fetches. Pages are split into sections: the main content is in focus while
// navigation, headers, footers and sidebars are flagged as outside focus so the
// context window can drop them first. The session also exposes the navigate,
// find_text and read_page tools.
package web
