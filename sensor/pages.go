package sensor

// The lure pages. Deliberately bland, a believable small-company site with
// a login form and a robots.txt that points at paths worth probing.

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Meridian Logistics - Home</title>
</head>
<body>
<h1>Meridian Logistics</h1>
<p>Freight forwarding and warehouse management since 2004.</p>
<ul>
<li><a href="/login">Customer portal</a></li>
<li><a href="/contact.html">Contact us</a></li>
</ul>
<hr>
<p><small>&copy; 2024 Meridian Logistics GmbH</small></p>
</body>
</html>
`

const loginPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Meridian Logistics - Sign in</title>
</head>
<body>
<h1>Sign in</h1>
<form method="POST" action="/login">
<p><label>Username <input type="text" name="username"></label></p>
<p><label>Password <input type="password" name="password"></label></p>
<p><button type="submit">Sign in</button></p>
</form>
</body>
</html>
`

const loginFailedPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Meridian Logistics - Sign in</title>
</head>
<body>
<h1>Sign in</h1>
<p>Invalid username or password.</p>
<p><a href="/login">Try again</a></p>
</body>
</html>
`

const notFoundPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>404 Not Found</title>
</head>
<body>
<h1>Not Found</h1>
<p>The requested URL was not found on this server.</p>
</body>
</html>
`

const robotsFile = `User-agent: *
Disallow: /admin
Disallow: /backup
Disallow: /internal
`
